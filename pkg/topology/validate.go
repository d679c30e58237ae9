package topology

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// InvalidTopology collects every structural problem found in one pass.
type InvalidTopology struct {
	Problems []string
}

func (e *InvalidTopology) Error() string {
	return "invalid topology: " + strings.Join(e.Problems, "; ")
}

// PortConflict is returned when more than one binding claims the same host port.
type PortConflict struct {
	Port     int
	Protocol string
	Services []string
}

func (e *PortConflict) Error() string {
	return fmt.Sprintf("host port %d/%s is bound by %s", e.Port, e.Protocol, strings.Join(e.Services, ", "))
}

// Validate checks the topology before anything is started. Structural problems are
// reported first, then port conflicts, then dependency cycles.
func Validate(t *Topology) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(t.Services) == 0 {
		add("no services declared")
	}
	for _, name := range t.Names() {
		s := t.Services[name]
		if !nameRe.MatchString(name) {
			add("service name %q is invalid", name)
		}
		if s.Image == "" && s.Build == nil && len(s.Argv()) == 0 {
			add("service %s needs an image, a build or a command", name)
		}
		if s.Image != "" && s.Build != nil {
			add("service %s declares both image and build", name)
		}
		if s.Build != nil && s.Build.Tag != "" && !nameRe.MatchString(s.Build.Tag) {
			add("service %s: build tag %q is invalid", name, s.Build.Tag)
		}
		switch s.Backend {
		case "", BackendProcess, BackendDocker:
		default:
			add("service %s: unknown backend %q", name, s.Backend)
		}
		for _, dep := range s.DependsOn {
			if dep == name {
				continue
			}
			if _, ok := t.Services[dep]; !ok {
				add("service %s depends on undeclared service %q", name, dep)
			}
		}
		for _, v := range s.Volumes {
			if v.Source == "" || v.IsBind() {
				continue
			}
			if _, ok := t.Volumes[v.Source]; !ok {
				add("service %s mounts undeclared volume %q", name, v.Source)
			}
		}
		if s.Readiness != nil {
			switch k := s.Readiness.Kind(); k {
			case "tcp", "http", "log", "script":
			case "":
				add("service %s: readiness declares no probe", name)
			default:
				add("service %s: readiness declares more than one probe (%s)", name, k)
			}
			if s.Readiness.Interval < 0 || s.Readiness.Timeout < 0 {
				add("service %s: readiness interval and timeout must not be negative", name)
			}
		}
	}
	if len(problems) > 0 {
		return &InvalidTopology{Problems: problems}
	}

	if err := checkPorts(t); err != nil {
		return err
	}

	g := NewGraph(t)
	if c := g.Cycle(); c != nil {
		return &DependencyCycle{Members: c}
	}
	return nil
}

func checkPorts(t *Topology) error {
	owners := map[string][]string{}
	for _, name := range t.Names() {
		for _, p := range t.Services[name].Ports {
			if p.Host == 0 {
				continue
			}
			key := strconv.Itoa(p.Host) + "/" + p.Proto()
			owners[key] = append(owners[key], name)
		}
	}
	keys := make([]string, 0, len(owners))
	for k := range owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(owners[k]) < 2 {
			continue
		}
		port, proto, _ := strings.Cut(k, "/")
		n, _ := strconv.Atoi(port)
		return &PortConflict{Port: n, Protocol: proto, Services: owners[k]}
	}
	return nil
}
