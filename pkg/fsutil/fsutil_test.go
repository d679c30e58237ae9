package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestCopyTree_Excludes(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"pom.xml":           "<project/>",
		"src/Main.java":     "class Main {}",
		"target/old.war":    "stale",
		"src/notes/tmp.log": "x",
	})

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, CopyTree(src, ".", dst, []string{"target", "**/*.log"}))

	b, err := os.ReadFile(filepath.Join(dst, "src", "Main.java"))
	require.NoError(t, err)
	require.Equal(t, "class Main {}", string(b))
	require.FileExists(t, filepath.Join(dst, "pom.xml"))
	require.NoFileExists(t, filepath.Join(dst, "target", "old.war"))
	require.NoFileExists(t, filepath.Join(dst, "src", "notes", "tmp.log"))
}

func TestCopyTree_SubdirMergesIntoDest(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.go":   "package main",
		"src/debug.log": "noise",
		"src/pkg/a.go":  "package pkg",
	})
	dst := filepath.Join(t.TempDir(), "app")
	writeTree(t, dst, map[string]string{"existing.txt": "kept"})

	require.NoError(t, CopyTree(root, "src", dst, []string{"src/*.log"}))
	require.FileExists(t, filepath.Join(dst, "main.go"))
	require.FileExists(t, filepath.Join(dst, "pkg", "a.go"))
	require.FileExists(t, filepath.Join(dst, "existing.txt"))
	require.NoFileExists(t, filepath.Join(dst, "debug.log"))
}

func TestCopyTree_SingleFile(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "hello"})
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	dst := filepath.Join(t.TempDir(), "nested", "b.txt")
	require.NoError(t, CopyTree(src, "a.txt", dst, nil))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	link := filepath.Join(filepath.Dir(dst), "c")
	require.NoError(t, CopyTree(src, "link", link, nil))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "a.txt", target)
}

func TestCopyTree_MissingSource(t *testing.T) {
	require.Error(t, CopyTree(t.TempDir(), "nope", filepath.Join(t.TempDir(), "x"), nil))
}

func TestDigest_ContentAddressed(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeTree(t, a, map[string]string{"x/1.txt": "one", "2.txt": "two"})
	writeTree(t, b, map[string]string{"2.txt": "two", "x/1.txt": "one"})

	da, err := Digest(a, nil)
	require.NoError(t, err)
	db, err := Digest(b, nil)
	require.NoError(t, err)
	require.Equal(t, da, db)
	require.NoError(t, da.Validate())

	require.NoError(t, os.WriteFile(filepath.Join(b, "noise.log"), []byte("ignored"), 0o644))
	dbSkip, err := Digest(b, func(rel string, _ bool) bool { return strings.HasSuffix(rel, ".log") })
	require.NoError(t, err)
	require.Equal(t, da, dbSkip)

	require.NoError(t, os.WriteFile(filepath.Join(b, "2.txt"), []byte("TWO"), 0o644))
	db2, err := Digest(b, nil)
	require.NoError(t, err)
	require.NotEqual(t, da, db2)
}

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "12345", "d/b": "123"})
	n, err := DirSize(root)
	require.NoError(t, err)
	require.Equal(t, int64(8), n)
}
