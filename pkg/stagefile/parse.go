package stagefile

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"github.com/pkg/errors"
)

const DefaultFilename = "Stagefile"

// dockerOnly are Dockerfile directives accepted for compatibility and recorded as ignored.
var dockerOnly = map[string]struct{}{
	"ARG":         {},
	"CMD":         {},
	"ENTRYPOINT":  {},
	"EXPOSE":      {},
	"HEALTHCHECK": {},
	"LABEL":       {},
	"MAINTAINER":  {},
	"ONBUILD":     {},
	"SHELL":       {},
	"STOPSIGNAL":  {},
	"USER":        {},
	"VOLUME":      {},
}

func ParseFile(p string) (*File, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrap(err, "read stagefile")
	}
	f, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	f.Path = p
	return f, nil
}

// Parse reads a Stagefile. Line joining, comments, parser directives, heredocs and the
// JSON/shell argument forms follow the Dockerfile grammar.
func Parse(r io.Reader) (*File, error) {
	res, err := parser.Parse(r)
	if err != nil {
		return nil, &ParseError{Line: errorLine(err), Msg: err.Error()}
	}

	p := &stageParser{file: &File{}}
	for _, n := range res.AST.Children {
		if err := p.instruction(n); err != nil {
			return nil, err
		}
	}

	if len(p.file.Stages) == 0 {
		return nil, &ParseError{Line: 0, Msg: "no stages (missing FROM)"}
	}
	final := p.file.Final()
	if final.Artifact == "" {
		final.Artifact = "."
	}
	return p.file, nil
}

func errorLine(err error) int {
	var loc *parser.LocationError
	if errors.As(err, &loc) && len(loc.Locations) > 0 && len(loc.Locations[0]) > 0 {
		return loc.Locations[0][0].Start.Line
	}
	return 0
}

type stageParser struct {
	file *File
}

func (p *stageParser) current() *Stage {
	if len(p.file.Stages) == 0 {
		return nil
	}
	return &p.file.Stages[len(p.file.Stages)-1]
}

func (p *stageParser) instruction(n *parser.Node) error {
	no := n.StartLine
	keyword := strings.ToUpper(n.Value)

	if keyword == "FROM" {
		return p.from(n)
	}

	st := p.current()
	if st == nil {
		return &ParseError{Line: no, Msg: keyword + " before first FROM"}
	}

	switch keyword {
	case "WORKDIR":
		args, err := words(no, joined(n))
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return &ParseError{Line: no, Msg: "WORKDIR takes exactly one path"}
		}
		st.Workdir = CleanRel(args[0])
	case "ENV":
		return p.env(n, st)
	case "COPY", "ADD":
		return p.copy(n, st)
	case "RUN":
		argv, err := runArgv(n)
		if err != nil {
			return err
		}
		for _, flag := range n.Flags {
			st.Ignored = append(st.Ignored, "line "+strconv.Itoa(no)+": RUN "+flag)
		}
		st.Steps = append(st.Steps, Step{Line: no, Run: argv})
	case "ARTIFACT":
		// Not a Dockerfile instruction, so its arguments only survive in the original line.
		rest := strings.TrimSpace(n.Original)
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			rest = rest[i:]
		} else {
			rest = ""
		}
		args, err := words(no, rest)
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return &ParseError{Line: no, Msg: "ARTIFACT takes exactly one path"}
		}
		if st.Artifact != "" {
			return &ParseError{Line: no, Msg: "stage " + strconv.Quote(st.Name) + " declares ARTIFACT twice"}
		}
		st.Artifact = CleanRel(args[0])
	default:
		if _, ok := dockerOnly[keyword]; ok {
			st.Ignored = append(st.Ignored, "line "+strconv.Itoa(no)+": "+keyword)
			return nil
		}
		return &ParseError{Line: no, Msg: "unknown directive " + strconv.Quote(keyword)}
	}
	return nil
}

func (p *stageParser) from(n *parser.Node) error {
	no := n.StartLine
	// --platform and similar flags have no meaning here.
	args := values(n)

	idx := len(p.file.Stages)
	st := Stage{
		Index:   idx,
		Name:    strconv.Itoa(idx),
		Workdir: ".",
		Env:     map[string]string{},
		Line:    no,
	}
	switch len(args) {
	case 1:
		st.Base = args[0]
	case 3:
		if !strings.EqualFold(args[1], "AS") {
			return &ParseError{Line: no, Msg: "expected FROM <base> AS <name>"}
		}
		st.Base = args[0]
		st.Name = args[2]
	default:
		return &ParseError{Line: no, Msg: "expected FROM <base> [AS <name>]"}
	}
	if st.Base == "" {
		return &ParseError{Line: no, Msg: "FROM requires a base environment"}
	}
	if _, err := strconv.Atoi(st.Name); err == nil && st.Name != strconv.Itoa(idx) {
		return &ParseError{Line: no, Msg: "stage name " + strconv.Quote(st.Name) + " must not be numeric"}
	}
	if _, ok := p.file.Stage(st.Name); ok {
		return &ParseError{Line: no, Msg: "duplicate stage name " + strconv.Quote(st.Name)}
	}
	p.file.Stages = append(p.file.Stages, st)
	return nil
}

// env walks the key, value, separator triples the Dockerfile parser produces. Values keep
// their quotes there, so they are unquoted here.
func (p *stageParser) env(n *parser.Node, st *Stage) error {
	no := n.StartLine
	if n.Next == nil {
		return &ParseError{Line: no, Msg: "ENV requires at least one KEY=VALUE"}
	}
	for kv := n.Next; kv != nil; {
		if kv.Next == nil || kv.Value == "" {
			return &ParseError{Line: no, Msg: "ENV expects KEY=VALUE"}
		}
		parts, err := words(no, kv.Next.Value)
		if err != nil {
			return err
		}
		st.Env[kv.Value] = strings.Join(parts, " ")
		kv = kv.Next.Next
		if kv != nil && (kv.Value == "=" || strings.TrimSpace(kv.Value) == "") {
			kv = kv.Next
		}
	}
	return nil
}

func (p *stageParser) copy(n *parser.Node, st *Stage) error {
	no := n.StartLine
	if len(n.Heredocs) > 0 {
		return &ParseError{Line: no, Msg: "COPY from a heredoc is not supported"}
	}

	c := &Copy{}
	for _, flag := range n.Flags {
		name, value, _ := strings.Cut(strings.TrimPrefix(flag, "--"), "=")
		switch name {
		case "from":
			src, err := p.resolveFrom(no, st, value)
			if err != nil {
				return err
			}
			c.From = src.Name
		case "chown", "chmod", "link":
			// ownership and link flags only matter to image builders
		default:
			return &ParseError{Line: no, Msg: "unsupported COPY flag " + strconv.Quote(flag)}
		}
	}

	args := values(n)
	if !n.Attributes["json"] {
		var err error
		if args, err = words(no, strings.Join(args, " ")); err != nil {
			return err
		}
	}
	if len(args) < 2 {
		return &ParseError{Line: no, Msg: "COPY requires at least one source and a destination"}
	}
	c.Sources = args[:len(args)-1]
	c.Dest = args[len(args)-1]
	st.Steps = append(st.Steps, Step{Line: no, Copy: c})
	return nil
}

// resolveFrom enforces that a handoff only names a strictly earlier stage.
func (p *stageParser) resolveFrom(no int, st *Stage, ref string) (*Stage, error) {
	if ref == "" {
		return nil, &ParseError{Line: no, Msg: "COPY --from requires a stage name"}
	}
	earlier := p.file.Stages[:st.Index]
	var src *Stage
	if i, err := strconv.Atoi(ref); err == nil {
		if i >= 0 && i < len(earlier) {
			src = &earlier[i]
		}
	} else {
		for i := range earlier {
			if earlier[i].Name == ref {
				src = &earlier[i]
				break
			}
		}
	}
	if src == nil {
		if ref == st.Name || ref == strconv.Itoa(st.Index) {
			return nil, &ParseError{Line: no, Msg: "stage " + strconv.Quote(st.Name) + " cannot copy from itself"}
		}
		return nil, &ParseError{Line: no, Msg: "COPY --from=" + ref + " must reference an earlier stage"}
	}
	if src.Artifact == "" {
		return nil, &ParseError{Line: no, Msg: "stage " + strconv.Quote(src.Name) + " declares no ARTIFACT to copy from"}
	}
	return src, nil
}

// runArgv turns the exec form into argv as is and wraps the shell form, heredoc bodies
// included, in /bin/sh -c.
func runArgv(n *parser.Node) ([]string, error) {
	no := n.StartLine
	if n.Attributes["json"] {
		argv := values(n)
		if len(argv) == 0 || argv[0] == "" {
			return nil, &ParseError{Line: no, Msg: "RUN exec form is empty"}
		}
		return argv, nil
	}

	script := joined(n)
	if script == "" {
		return nil, &ParseError{Line: no, Msg: "RUN requires a command"}
	}
	// The Dockerfile grammar falls back to the shell form on broken JSON; a Stagefile does not.
	if strings.HasPrefix(script, "[") {
		return nil, &ParseError{Line: no, Msg: "RUN exec form must be a JSON array of strings"}
	}
	if len(n.Heredocs) > 0 {
		// A lone marker runs the body as the script; otherwise the shell reads the bodies.
		if len(n.Heredocs) == 1 && strings.HasPrefix(script, "<<") && !strings.ContainsAny(script, " \t") {
			return []string{"/bin/sh", "-c", n.Heredocs[0].Content}, nil
		}
		var b strings.Builder
		b.WriteString(script)
		for _, h := range n.Heredocs {
			b.WriteString("\n")
			b.WriteString(h.Content)
			if !strings.HasSuffix(h.Content, "\n") {
				b.WriteString("\n")
			}
			b.WriteString(h.Name)
		}
		return []string{"/bin/sh", "-c", b.String()}, nil
	}
	return []string{"/bin/sh", "-c", script}, nil
}

// values collects the argument nodes of an instruction.
func values(n *parser.Node) []string {
	var out []string
	for a := n.Next; a != nil; a = a.Next {
		out = append(out, a.Value)
	}
	return out
}

func joined(n *parser.Node) string {
	return strings.TrimSpace(strings.Join(values(n), " "))
}

func words(no int, s string) ([]string, error) {
	args, err := shellwords.Parse(s)
	if err != nil {
		return nil, &ParseError{Line: no, Msg: err.Error()}
	}
	return args, nil
}
