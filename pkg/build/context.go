package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const IgnoreFilename = ".stackupignore"

// Context is the resolved set of build inputs COPY reads from.
type Context struct {
	Dir    string
	Source string
	// Excludes are the ignore patterns, relative to Dir.
	Excludes []string
	matcher  *patternmatcher.PatternMatcher
	cleanup func()
}

// IsGitURL reports whether src names a remote repository. A "#ref" suffix selects a branch.
func IsGitURL(src string) bool {
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://", "git://"} {
		if strings.HasPrefix(src, prefix) {
			return true
		}
	}
	return false
}

// ResolveContext prepares src as a build context: a local directory is used in place, a
// git URL is cloned shallowly into a temporary directory that Close removes.
func ResolveContext(ctx context.Context, src string) (*Context, error) {
	if src == "" {
		src = "."
	}
	c := &Context{Source: src, cleanup: func() {}}

	if IsGitURL(src) {
		url, ref, _ := strings.Cut(src, "#")
		tmp, err := os.MkdirTemp("", "stackup-context-*")
		if err != nil {
			return nil, errors.Wrap(err, "mkdir clone dir")
		}
		opts := &git.CloneOptions{URL: url, Depth: 1}
		if ref != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
			opts.SingleBranch = true
		}
		log.Info().Str("url", url).Str("ref", ref).Msg("cloning build context")
		if _, err := git.PlainCloneContext(ctx, tmp, false, opts); err != nil {
			_ = os.RemoveAll(tmp)
			return nil, errors.Wrapf(err, "clone %s", url)
		}
		c.Dir = tmp
		c.cleanup = func() { _ = os.RemoveAll(tmp) }
	} else {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, errors.Wrap(err, "resolve context dir")
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, errors.Wrap(err, "stat context dir")
		}
		if !info.IsDir() {
			return nil, errors.Errorf("build context %s is not a directory", src)
		}
		c.Dir = abs
	}

	patterns := []string{".git"}
	if f, err := os.Open(filepath.Join(c.Dir, IgnoreFilename)); err == nil {
		p, err := ignorefile.ReadAll(f)
		_ = f.Close()
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "read %s", IgnoreFilename)
		}
		patterns = append(patterns, p...)
	}
	m, err := patternmatcher.New(patterns)
	if err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "parse %s", IgnoreFilename)
	}
	c.matcher = m
	c.Excludes = patterns
	return c, nil
}

// Excluded reports whether a context-relative slash path is ignored.
func (c *Context) Excluded(rel string, isDir bool) bool {
	if c.matcher == nil {
		return false
	}
	ok, err := c.matcher.MatchesOrParentMatches(rel)
	if err != nil || !ok {
		return false
	}
	// a directory may still contain re-included entries
	if isDir && c.matcher.Exclusions() {
		return false
	}
	return true
}

func (c *Context) Close() {
	if c != nil && c.cleanup != nil {
		c.cleanup()
	}
}
