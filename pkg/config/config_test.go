package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/require"
)

func TestLoadOptional_Missing(t *testing.T) {
	cfg, err := LoadOptional(DefaultPath(t.TempDir()))
	require.NoError(t, err)
	require.Equal(t, DefaultConcurrency, cfg.Concurrency)
	require.Equal(t, DefaultReadyTimeout, cfg.ReadyTimeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(DefaultPath(dir), []byte(`
project: legacy-crud
topology: deploy/stackup.yaml
backend: docker
executor: docker
concurrency: 2
ready_timeout: 90s
cache_dir: ~/.cache/stackup
`), 0o644))

	cfg, err := LoadOptional(DefaultPath(dir))
	require.NoError(t, err)
	require.Equal(t, "legacy-crud", cfg.Project)
	require.Equal(t, "docker", cfg.Backend)
	require.Equal(t, 2, cfg.Concurrency)
	require.Equal(t, 90*time.Second, cfg.ReadyTimeout)

	home, err := homedir.Dir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".cache", "stackup"), cfg.CacheDir)
}

func TestLoadFromFile_UnknownBackend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(DefaultPath(dir), []byte("backend: vm\n"), 0o644))
	_, err := LoadOptional(DefaultPath(dir))
	require.Error(t, err)
}
