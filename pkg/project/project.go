// Package project ties a project directory to its config, topology and state.
package project

import (
	"context"
	"path/filepath"

	"github.com/go-go-golems/stackup/pkg/config"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
)

type Options struct {
	Dir        string
	ConfigPath string
	// TopologyFile and ComposeFiles override the config file. Compose wins when both are set.
	TopologyFile string
	ComposeFiles []string
	Overrides    overlay.Patch
}

type Project struct {
	Dir       string
	Name      string
	Config    *config.File
	ConfigAbs string

	topologyFile string
	composeFiles []string
	overrides    overlay.Patch
}

func Load(opts Options) (*Project, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve project dir")
	}
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath(root)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(root, cfgPath)
	}
	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		return nil, err
	}

	p := &Project{
		Dir:       root,
		Name:      cfg.Project,
		Config:    cfg,
		ConfigAbs: cfgPath,
		overrides: opts.Overrides,
	}
	if p.Name == "" {
		p.Name = filepath.Base(root)
	}

	p.composeFiles = opts.ComposeFiles
	if len(p.composeFiles) == 0 && opts.TopologyFile == "" {
		p.composeFiles = cfg.Compose
	}
	for i, f := range p.composeFiles {
		p.composeFiles[i] = p.abs(f)
	}
	p.topologyFile = opts.TopologyFile
	if p.topologyFile == "" {
		p.topologyFile = cfg.Topology
	}
	if p.topologyFile == "" {
		p.topologyFile = topology.DefaultFilename
	}
	p.topologyFile = p.abs(p.topologyFile)
	return p, nil
}

func (p *Project) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Dir, path)
}

// TopologySource names where the topology is read from.
func (p *Project) TopologySource() string {
	if len(p.composeFiles) > 0 {
		return p.composeFiles[0]
	}
	return p.topologyFile
}

// Topology loads the native topology file, or imports the compose files when set.
func (p *Project) Topology(ctx context.Context) (*topology.Topology, error) {
	if len(p.composeFiles) > 0 {
		if !p.overrides.Empty() {
			return nil, errors.New("--set/--unset overrides apply to native topology files only")
		}
		return topology.ImportCompose(ctx, p.composeFiles, p.Name)
	}
	t, err := topology.LoadFile(p.topologyFile, p.overrides)
	if err != nil {
		return nil, err
	}
	if p.Config.Project != "" {
		t.Name = p.Config.Project
	}
	return t, nil
}

func (p *Project) CacheDir() string {
	if p.Config.CacheDir != "" {
		return p.Config.CacheDir
	}
	return state.CacheDir(p.Dir)
}

func (p *Project) ArtifactsDir() string { return state.ArtifactsDir(p.Dir) }

func (p *Project) WorkDir() string { return state.WorkDir(p.Dir) }

// State loads the persisted run state, or starts a fresh one when none exists.
func (p *Project) State() (*state.State, error) {
	if !state.Exists(p.Dir) {
		st := state.New(p.Name, p.Dir)
		st.TopologyFile = p.TopologySource()
		return st, nil
	}
	return state.Load(p.Dir)
}
