package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

const topo = `
name: legacy-crud
services:
  app:
    build: {tag: app}
    command: ["sh", "-c", "cat index.html"]
`

const stagefileSrc = `
FROM builder AS compile
COPY index.src .
RUN cp index.src index.html
ARTIFACT index.html
FROM runtime
COPY --from=compile index.html site/index.html
ARTIFACT site
`

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, topology.DefaultFilename, topo)

	p, err := Load(Options{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, filepath.Base(dir), p.Name)
	require.Equal(t, filepath.Join(dir, topology.DefaultFilename), p.TopologySource())
	require.Equal(t, filepath.Join(dir, ".stackup", "cache"), p.CacheDir())

	tp, err := p.Topology(context.Background())
	require.NoError(t, err)
	require.Equal(t, "legacy-crud", tp.Name)
	require.Equal(t, filepath.Join(dir, "Stagefile"), tp.Services["app"].Build.Stagefile)

	st, err := p.State()
	require.NoError(t, err)
	require.NotEmpty(t, st.RunID)
}

func TestLoad_ConfigAndOverrides(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, ".stackup.yaml", "project: crud\ntopology: deploy/topo.yaml\n")
	write(t, dir, "deploy/topo.yaml", topo)

	patch, err := overlay.ParseAssignments([]string{"services.app.workdir=site"}, nil)
	require.NoError(t, err)
	p, err := Load(Options{Dir: dir, Overrides: patch})
	require.NoError(t, err)
	require.Equal(t, "crud", p.Name)

	tp, err := p.Topology(context.Background())
	require.NoError(t, err)
	require.Equal(t, "crud", tp.Name)
	require.Equal(t, "site", tp.Services["app"].Workdir)
}

func TestResolver_BuildsOnceAndReuses(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, topology.DefaultFilename, topo)
	write(t, dir, "Stagefile", stagefileSrc)
	write(t, dir, "index.src", "<h1>crud</h1>")

	p, err := Load(Options{Dir: dir})
	require.NoError(t, err)
	tp, err := p.Topology(context.Background())
	require.NoError(t, err)

	r := &Resolver{
		Builder: build.New(build.Options{WorkRoot: p.WorkDir()}),
		Store:   build.Store{Root: p.ArtifactsDir()},
		Rebuild: true,
	}
	a, err := r.Resolve(context.Background(), tp.Services["app"])
	require.NoError(t, err)
	require.Equal(t, "app", a.Tag)
	b, err := os.ReadFile(filepath.Join(a.Content(), "index.html"))
	require.NoError(t, err)
	require.Equal(t, "<h1>crud</h1>", string(b))

	again, err := r.Resolve(context.Background(), tp.Services["app"])
	require.NoError(t, err)
	require.Equal(t, a.Digest, again.Digest)
	require.Equal(t, a.BuiltAt.Unix(), again.BuiltAt.Unix())

	none, err := r.Resolve(context.Background(), &topology.Service{Name: "db", Image: "mysql:8"})
	require.NoError(t, err)
	require.Nil(t, none)
}
