// Package fsutil holds the tree copy and content digest helpers shared by the builder and
// the build cache.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/docker/pkg/archive"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// SkipFunc reports whether a path (slash-separated, relative to the walk root) is left out.
type SkipFunc func(rel string, isDir bool) bool

// CopyTree copies rel, a file or directory under root, to dst through a tar stream. A
// directory is merged into dst and a file becomes dst. excludes are .dockerignore style
// patterns relative to root. Symlinks are recreated, not followed.
func CopyTree(root, rel, dst string, excludes []string) error {
	rel = filepath.Clean(filepath.FromSlash(rel))
	if _, err := os.Lstat(filepath.Join(root, rel)); err != nil {
		return errors.Wrap(err, "stat copy source")
	}

	opts := &archive.TarOptions{ExcludePatterns: excludes}
	into := dst
	if rel != "." {
		opts.IncludeFiles = []string{rel}
		opts.RebaseNames = map[string]string{rel: filepath.Base(dst)}
		into = filepath.Dir(dst)
	}
	if err := os.MkdirAll(into, 0o755); err != nil {
		return errors.Wrap(err, "mkdir copy destination")
	}

	rc, err := archive.TarWithOptions(root, opts)
	if err != nil {
		return errors.Wrap(err, "archive copy source")
	}
	defer func() { _ = rc.Close() }()
	if err := archive.Untar(rc, into, &archive.TarOptions{NoLchown: true}); err != nil {
		return errors.Wrap(err, "unpack copy")
	}
	return nil
}

// Digest hashes a file or tree: relative path, mode and content (or link target) of every
// entry in lexical order. Two trees with the same content hash the same regardless of
// where they live or their timestamps. Entries skip reports are left out.
func Digest(root string, skip SkipFunc) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	err := filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel != "." && skip != nil && skip(filepath.ToSlash(rel), e.IsDir()) {
			if e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		_, _ = io.WriteString(h, filepath.ToSlash(rel)+"\x00"+strconv.FormatUint(uint64(info.Mode()), 8)+"\x00")
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_, _ = io.WriteString(h, link)
		case info.Mode().IsRegular():
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			_ = f.Close()
			if err != nil {
				return err
			}
		}
		_, _ = h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "digest tree")
	}
	return d.Digest(), nil
}

func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.Type().IsRegular() {
			info, err := e.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
