// Package config reads the optional per-project .stackup.yaml defaults file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".stackup.yaml"

const (
	DefaultConcurrency  = 4
	DefaultReadyTimeout = 60 * time.Second
)

type File struct {
	Project   string   `yaml:"project,omitempty"`
	Topology  string   `yaml:"topology,omitempty"`
	Compose   []string `yaml:"compose,omitempty"`
	Stagefile string   `yaml:"stagefile,omitempty"`

	Backend  string `yaml:"backend,omitempty"`  // "process" | "docker"
	Executor string `yaml:"executor,omitempty"` // "local" | "docker"

	Concurrency  int           `yaml:"concurrency,omitempty"`
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty"`

	// CacheDir may start with ~. Empty means .stackup/cache in the project.
	CacheDir string `yaml:"cache_dir,omitempty"`
	NoCache  bool   `yaml:"no_cache,omitempty"`
}

func DefaultPath(projectDir string) string {
	return filepath.Join(projectDir, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &File{}
			return cfg, cfg.normalize()
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

func (f *File) normalize() error {
	if f.Concurrency <= 0 {
		f.Concurrency = DefaultConcurrency
	}
	if f.ReadyTimeout <= 0 {
		f.ReadyTimeout = DefaultReadyTimeout
	}
	switch f.Executor {
	case "", "local", "docker":
	default:
		return errors.Errorf("config: unknown executor %q", f.Executor)
	}
	switch f.Backend {
	case "", "process", "docker":
	default:
		return errors.Errorf("config: unknown backend %q", f.Backend)
	}
	if f.CacheDir != "" {
		p, err := homedir.Expand(f.CacheDir)
		if err != nil {
			return errors.Wrap(err, "expand cache_dir")
		}
		f.CacheDir = p
	}
	return nil
}
