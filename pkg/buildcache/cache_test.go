package buildcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestCache_PutLookupPrune(t *testing.T) {
	ctx := t.Context()
	c, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	key := digest.FromString("builder-stage")
	_, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "target"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "target", "app.war"), []byte("war"), 0o644))
	require.NoError(t, c.Put(ctx, key, "builder", src))
	require.NoError(t, c.Put(ctx, key, "builder", src))

	dir, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	b, err := os.ReadFile(filepath.Join(dir, "target", "app.war"))
	require.NoError(t, err)
	require.Equal(t, "war", string(b))

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "builder", entries[0].Stage)
	require.Equal(t, 1, entries[0].Hits)
	require.Equal(t, int64(3), entries[0].Size)

	n, err := c.Prune(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = c.Prune(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok, err = c.Lookup(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_MissingContentIsAMiss(t *testing.T) {
	ctx := t.Context()
	c, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	key := digest.FromString("x")
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("1"), 0o644))
	require.NoError(t, c.Put(ctx, key, "s", src))
	require.NoError(t, os.RemoveAll(c.blobDir(key)))

	_, ok, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}
