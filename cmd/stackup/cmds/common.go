package cmds

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/buildcache"
	"github.com/go-go-golems/stackup/pkg/docker"
	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/project"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/supervise"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type rootOptions struct {
	ProjectDir  string
	Config      string
	File        string
	Timeout     time.Duration
	Concurrency int
	Backend     string
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("project-dir", "", "Project directory (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to config file (defaults to .stackup.yaml under project-dir)")
	root.PersistentFlags().String("file", "", "Topology file (defaults to stackup.yaml under project-dir)")
	root.PersistentFlags().Duration("timeout", 0, "Per-service readiness timeout (defaults to the config value)")
	root.PersistentFlags().Int("concurrency", 0, "Maximum simultaneous service starts (defaults to the config value)")
	root.PersistentFlags().String("backend", "", "Default runtime backend: process|docker")
}

// getRootOptions reads the root flags, letting STACKUP_* environment variables fill the
// ones not given on the command line.
func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	v, err := envLayered(cmd.Root().PersistentFlags())
	if err != nil {
		return rootOptions{}, err
	}

	opts := rootOptions{
		ProjectDir:  v.GetString("project-dir"),
		Config:      v.GetString("config"),
		File:        v.GetString("file"),
		Timeout:     v.GetDuration("timeout"),
		Concurrency: v.GetInt("concurrency"),
		Backend:     v.GetString("backend"),
	}
	if opts.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
		opts.ProjectDir = wd
	}
	abs, err := filepath.Abs(opts.ProjectDir)
	if err != nil {
		return rootOptions{}, err
	}
	opts.ProjectDir = abs
	if opts.Timeout < 0 {
		return rootOptions{}, errors.New("timeout must be >= 0")
	}
	if opts.Concurrency < 0 {
		return rootOptions{}, errors.New("concurrency must be >= 0")
	}
	switch opts.Backend {
	case "", topology.BackendProcess, topology.BackendDocker:
	default:
		return rootOptions{}, errors.Errorf("unknown backend %q", opts.Backend)
	}
	return opts, nil
}

func loadProject(opts rootOptions, compose []string, overrides overlay.Patch) (*project.Project, error) {
	return project.Load(project.Options{
		Dir:          opts.ProjectDir,
		ConfigPath:   opts.Config,
		TopologyFile: opts.File,
		ComposeFiles: compose,
		Overrides:    overrides,
	})
}

// envLayered returns a viper instance where explicitly set flags win over STACKUP_*
// variables, which win over flag defaults. --project-dir maps to STACKUP_PROJECT_DIR.
func envLayered(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("STACKUP")
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	return v, nil
}

// settings are the effective values after flags, environment and the config file.
type settings struct {
	Timeout     time.Duration
	Concurrency int
	Backend     string
}

func effective(opts rootOptions, p *project.Project) settings {
	s := settings{
		Timeout:     opts.Timeout,
		Concurrency: opts.Concurrency,
		Backend:     opts.Backend,
	}
	if s.Timeout == 0 {
		s.Timeout = p.Config.ReadyTimeout
	}
	if s.Concurrency == 0 {
		s.Concurrency = p.Config.Concurrency
	}
	if s.Backend == "" {
		s.Backend = p.Config.Backend
	}
	if s.Backend == "" {
		s.Backend = topology.BackendProcess
	}
	return s
}

// backendSet holds the backends of one invocation. The docker client is only created when a
// service needs it.
type backendSet struct {
	Backends map[string]orchestrate.Backend
	Docker   *docker.Backend
	cli      *client.Client
}

func (r *backendSet) Close() {
	if r.cli != nil {
		_ = r.cli.Close()
	}
}

// openBackends is swapped out in tests.
var openBackends = newBackendSet

func newBackendSet(p *project.Project, needDocker bool, progress io.Writer) (*backendSet, error) {
	wrapper, err := os.Executable()
	if err != nil {
		log.Debug().Err(err).Msg("no wrapper executable, services run without exit records")
		wrapper = ""
	}
	r := &backendSet{Backends: map[string]orchestrate.Backend{
		topology.BackendProcess: supervise.New(supervise.Options{ProjectDir: p.Dir, WrapperExe: wrapper}),
	}}
	if !needDocker {
		return r, nil
	}
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	r.cli = cli
	r.Docker = docker.New(cli, docker.Options{Project: p.Name, PullProgress: progress})
	r.Backends[topology.BackendDocker] = r.Docker
	return r, nil
}

func topologyNeedsDocker(t *topology.Topology, defaultBackend string) bool {
	for _, svc := range t.Services {
		b := svc.Backend
		if b == "" {
			b = defaultBackend
		}
		if b == topology.BackendDocker {
			return true
		}
	}
	return false
}

func stateNeedsDocker(st *state.State) bool {
	for _, rec := range st.Services {
		if rec.Backend == topology.BackendDocker {
			return true
		}
	}
	return false
}

// liveness checks records against their backend, falling back to the recorded phase for
// backends this invocation did not open.
func (r *backendSet) liveness() tui.LivenessFunc {
	return func(ctx context.Context, rec state.ServiceRecord) bool {
		if be, ok := r.Backends[rec.Backend]; ok {
			if lc, ok := be.(orchestrate.LivenessChecker); ok {
				return lc.Alive(ctx, orchestrate.HandleOf(rec))
			}
		}
		return tui.DefaultLiveness(ctx, rec)
	}
}

type builderOptions struct {
	Executor string
	NoCache  bool
	Events   events.Sink
	Output   io.Writer
}

// newBuilder opens the build cache and the configured executor. The returned func
// releases both.
func newBuilder(ctx context.Context, p *project.Project, o builderOptions) (*build.Builder, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	executor := o.Executor
	if executor == "" {
		executor = p.Config.Executor
	}
	var executorImpl build.Executor = build.LocalExecutor{}
	if executor == "docker" {
		cli, err := docker.NewClient()
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = cli.Close() })
		executorImpl = docker.NewExecutor(cli, p.Name, o.Output)
	} else if executor != "" && executor != "local" {
		return nil, nil, errors.Errorf("unknown executor %q", executor)
	}

	noCache := o.NoCache || p.Config.NoCache
	var cache *buildcache.Cache
	if !noCache {
		c, err := buildcache.Open(ctx, p.CacheDir())
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = c.Close() })
		cache = c
	}

	b := build.New(build.Options{
		Executor: executorImpl,
		Cache:    cache,
		NoCache:  noCache,
		Events:   o.Events,
		Stdout:   o.Output,
		Stderr:   o.Output,
		WorkRoot: p.WorkDir(),
	})
	return b, closeAll, nil
}

func artifactStore(p *project.Project) build.Store {
	return build.Store{Root: p.ArtifactsDir()}
}

// persist writes the services that may still be running to the state file, or removes
// the file once there are none. A service stuck in stopping is kept so a later down can
// retry it.
func persist(p *project.Project, st *state.State, running orchestrate.Running) error {
	live := orchestrate.Running{}
	for name, rs := range running {
		switch rs.Phase {
		case orchestrate.PhaseStarting, orchestrate.PhaseReady, orchestrate.PhaseStopping:
			live[name] = rs
		}
	}
	if len(live) == 0 {
		return state.Remove(p.Dir)
	}
	orchestrate.Save(st, live)
	return state.Save(p.Dir, st)
}
