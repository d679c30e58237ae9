// Package build runs the stages of a Stagefile in order and hands the final stage's
// produced path over as a runtime artifact.
package build

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/stackup/pkg/buildcache"
	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/go-go-golems/stackup/pkg/fsutil"
	"github.com/go-go-golems/stackup/pkg/stagefile"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Executor Executor
	// Cache is optional; NoCache disables lookups and stores.
	Cache   *buildcache.Cache
	NoCache bool
	Events  events.Sink

	Stdout io.Writer
	Stderr io.Writer

	// WorkRoot is the parent of scratch and artifact directories. Defaults to the system
	// temp dir.
	WorkRoot string
}

type Builder struct {
	opts Options
}

func New(opts Options) *Builder {
	if opts.Executor == nil {
		opts.Executor = LocalExecutor{}
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	opts.Events = events.OrNop(opts.Events)
	return &Builder{opts: opts}
}

// Build executes every stage in declared order. The first failing stage aborts the build:
// later stages never run, scratch state is removed and no artifact is returned.
func (b *Builder) Build(ctx context.Context, f *stagefile.File, bctx *Context) (*Artifact, error) {
	if f == nil || len(f.Stages) == 0 {
		return nil, errors.New("no stages to build")
	}
	if b.opts.WorkRoot != "" {
		if err := os.MkdirAll(b.opts.WorkRoot, 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir work root")
		}
	}
	work, err := os.MkdirTemp(b.opts.WorkRoot, "stackup-build-*")
	if err != nil {
		return nil, errors.Wrap(err, "mkdir scratch")
	}
	defer func() { _ = os.RemoveAll(work) }()

	r := &run{
		b:         b,
		file:      f,
		bctx:      bctx,
		work:      work,
		artifacts: map[string]string{},
	}
	for i := range f.Stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.stage(ctx, &f.Stages[i]); err != nil {
			return nil, err
		}
	}

	final := f.Final()
	src, ok := r.artifacts[final.Name]
	if !ok {
		return nil, errors.Errorf("final stage %s produced nothing", final.Name)
	}
	out, err := os.MkdirTemp(b.opts.WorkRoot, "stackup-artifact-*")
	if err != nil {
		return nil, errors.Wrap(err, "mkdir artifact dir")
	}
	if err := moveContents(src, out); err != nil {
		_ = os.RemoveAll(out)
		return nil, err
	}
	a := &Artifact{
		Stage:   final.Name,
		Base:    final.Base,
		Path:    final.Artifact,
		Dir:     out,
		BuiltAt: time.Now(),
	}
	a.Digest, err = fsutil.Digest(a.Content(), nil)
	if err != nil {
		_ = os.RemoveAll(out)
		return nil, err
	}
	log.Info().Str("stage", a.Stage).Str("path", a.Path).Str("digest", a.Digest.String()).Msg("build finished")
	return a, nil
}

type run struct {
	b    *Builder
	file *stagefile.File
	bctx *Context
	work string
	// artifacts maps a finished stage name to a directory holding only its produced path.
	artifacts map[string]string
}

func (r *run) stage(ctx context.Context, st *stagefile.Stage) error {
	started := time.Now()
	total := len(r.file.Stages)
	r.b.opts.Events.Publish(events.TypeBuildStageStarted, events.StageStarted{
		Stage: st.Name, Index: st.Index, Total: total, Base: st.Base,
	})
	log.Info().Str("stage", st.Name).Int("index", st.Index).Str("base", st.Base).Msg("stage started")

	cached, err := r.execute(ctx, st)
	fin := events.StageFinished{Stage: st.Name, Index: st.Index, Cached: cached, Duration: time.Since(started)}
	if err != nil {
		fin.Error = err.Error()
		r.b.opts.Events.Publish(events.TypeBuildStageFinished, fin)
		log.Error().Err(err).Str("stage", st.Name).Msg("stage failed")
		return err
	}
	r.b.opts.Events.Publish(events.TypeBuildStageFinished, fin)
	log.Info().Str("stage", st.Name).Bool("cached", cached).Dur("took", fin.Duration).Msg("stage finished")
	return nil
}

func (r *run) execute(ctx context.Context, st *stagefile.Stage) (bool, error) {
	artDir := filepath.Join(r.work, "artifacts", strconv.Itoa(st.Index))
	cache := r.b.opts.Cache
	useCache := cache != nil && !r.b.opts.NoCache && st.Artifact != ""

	var key digest.Digest
	if useCache {
		k, err := r.key(st)
		if err != nil {
			return false, err
		}
		key = k
		dir, hit, err := cache.Lookup(ctx, key)
		if err != nil {
			return false, err
		}
		if hit {
			if err := fsutil.CopyTree(dir, ".", artDir, nil); err != nil {
				return false, errors.Wrap(err, "restore cached stage")
			}
			r.artifacts[st.Name] = artDir
			return true, nil
		}
	}

	root := filepath.Join(r.work, "stages", strconv.Itoa(st.Index))
	if err := os.MkdirAll(filepath.Join(root, st.Workdir), 0o755); err != nil {
		return false, errors.Wrap(err, "mkdir stage root")
	}
	defer func() { _ = os.RemoveAll(root) }()

	for _, step := range st.Steps {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if step.Copy != nil {
			if err := r.copy(st, root, step); err != nil {
				return false, err
			}
			continue
		}
		code, err := r.b.opts.Executor.Exec(ctx, Exec{
			Stage:   st.Name,
			Base:    st.Base,
			Root:    root,
			Workdir: st.Workdir,
			Env:     st.Env,
			Argv:    step.Run,
			Stdout:  r.b.opts.Stdout,
			Stderr:  r.b.opts.Stderr,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, &StageExecutionFailed{Stage: st.Name, Line: step.Line, ExitCode: -1, Argv: step.Run, Err: err}
		}
		if code != 0 {
			return false, &StageExecutionFailed{Stage: st.Name, Line: step.Line, ExitCode: code, Argv: step.Run}
		}
	}

	if st.Artifact == "" {
		return false, nil
	}
	produced := filepath.Join(root, filepath.FromSlash(st.Artifact))
	if _, err := os.Lstat(produced); err != nil {
		return false, &MissingProducedArtifact{Stage: st.Name, Path: st.Artifact}
	}
	dst := filepath.Join(artDir, filepath.FromSlash(st.Artifact))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, errors.Wrap(err, "mkdir artifact")
	}
	if err := os.Rename(produced, dst); err != nil {
		return false, errors.Wrap(err, "keep artifact")
	}
	r.artifacts[st.Name] = artDir

	if useCache {
		if err := cache.Put(ctx, key, st.Name, artDir); err != nil {
			log.Warn().Err(err).Str("stage", st.Name).Msg("cache store failed")
		}
	}
	return false, nil
}

type source struct {
	abs  string
	root string
	// rel is the slash path relative to root.
	rel      string
	excludes []string
	skip     fsutil.SkipFunc
}

func (r *run) sources(st *stagefile.Stage, c *stagefile.Copy) ([]source, error) {
	fromContext := c.From == ""
	if fromContext && r.bctx == nil {
		return nil, errors.Errorf("stage %s: COPY needs a build context", st.Name)
	}
	var base string
	if fromContext {
		base = r.bctx.Dir
	} else {
		dir, ok := r.artifacts[c.From]
		if !ok {
			return nil, errors.Errorf("stage %s: stage %s has no artifact", st.Name, c.From)
		}
		base = dir
	}

	var out []source
	for _, s := range c.Sources {
		pattern := filepath.Join(base, filepath.FromSlash(stagefile.CleanRel(s)))
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %s: bad COPY pattern %q", st.Name, s)
		}
		sort.Strings(matches)
		n := 0
		for _, m := range matches {
			rel, err := filepath.Rel(base, m)
			if err != nil {
				return nil, err
			}
			rel = filepath.ToSlash(rel)
			src := source{abs: m, root: base, rel: rel}
			if fromContext {
				info, err := os.Lstat(m)
				if err != nil {
					return nil, err
				}
				if rel != "." && r.bctx.Excluded(rel, info.IsDir()) {
					continue
				}
				prefix := rel
				src.excludes = r.bctx.Excludes
				src.skip = func(sub string, isDir bool) bool {
					return r.bctx.Excluded(path.Join(prefix, sub), isDir)
				}
			}
			out = append(out, src)
			n++
		}
		if n == 0 {
			where := "build context"
			if !fromContext {
				where = "artifact of stage " + c.From
			}
			return nil, errors.Errorf("stage %s: COPY source %q not found in %s", st.Name, s, where)
		}
	}
	return out, nil
}

func (r *run) copy(st *stagefile.Stage, root string, step stagefile.Step) error {
	c := step.Copy
	srcs, err := r.sources(st, c)
	if err != nil {
		return err
	}

	dest := c.Dest
	if !strings.HasPrefix(dest, "/") {
		dest = path.Join(st.Workdir, dest)
	}
	destRel := stagefile.CleanRel(dest)
	destAbs := filepath.Join(root, filepath.FromSlash(destRel))
	destIsDir := strings.HasSuffix(c.Dest, "/") || c.Dest == "." || len(srcs) > 1
	if info, err := os.Stat(destAbs); err == nil && info.IsDir() {
		destIsDir = true
	}

	for _, s := range srcs {
		info, err := os.Stat(s.abs)
		if err != nil {
			return errors.Wrap(err, "stat COPY source")
		}
		target := destAbs
		if !info.IsDir() && destIsDir {
			target = filepath.Join(destAbs, filepath.Base(s.abs))
		}
		if err := fsutil.CopyTree(s.root, s.rel, target, s.excludes); err != nil {
			return errors.Wrapf(err, "stage %s line %d: COPY %s", st.Name, step.Line, s.rel)
		}
	}
	return nil
}

// key derives the cache key of a stage from its base environment, workdir, environment,
// produced path and each step: the content digest of copied inputs or the command argv.
func (r *run) key(st *stagefile.Stage) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = io.WriteString(h, p)
			_, _ = h.Write([]byte{0})
		}
	}

	write("base", st.Base, "workdir", st.Workdir, "artifact", st.Artifact)
	keys := make([]string, 0, len(st.Env))
	for k := range st.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write("env", k, st.Env[k])
	}
	for _, step := range st.Steps {
		if step.Run != nil {
			write("run")
			write(step.Run...)
			continue
		}
		write("copy", step.Copy.From, step.Copy.Dest)
		srcs, err := r.sources(st, step.Copy)
		if err != nil {
			return "", err
		}
		for _, s := range srcs {
			sd, err := fsutil.Digest(s.abs, s.skip)
			if err != nil {
				return "", err
			}
			write(s.rel, sd.String())
		}
	}
	return d.Digest(), nil
}

func moveContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrap(err, "read artifact")
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return errors.Wrap(err, "move artifact")
		}
	}
	return nil
}
