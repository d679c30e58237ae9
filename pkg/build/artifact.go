package build

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/go-go-golems/stackup/pkg/fsutil"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Artifact is the output of a build: Dir holds only the final stage's produced path.
type Artifact struct {
	Tag     string        `json:"tag,omitempty"`
	Stage   string        `json:"stage"`
	Base    string        `json:"base"`
	Path    string        `json:"path"`
	Dir     string        `json:"dir"`
	Digest  digest.Digest `json:"digest"`
	BuiltAt time.Time     `json:"built_at"`
}

// Content is the location of the produced path on disk.
func (a *Artifact) Content() string {
	return filepath.Join(a.Dir, filepath.FromSlash(a.Path))
}

func (a *Artifact) Remove() error {
	if a == nil || a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

const metaFile = "artifact.json"

// Store keeps tagged artifacts under Root/<tag>/{content,artifact.json}.
type Store struct {
	Root string
}

var tagRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// CheckTag rejects tags that are not a single plain path element under the store root.
func CheckTag(tag string) error {
	if !tagRe.MatchString(tag) {
		return errors.Errorf("invalid artifact tag %q", tag)
	}
	return nil
}

func (s Store) dir(tag string) (string, error) {
	if err := CheckTag(tag); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, tag), nil
}

// Save moves the artifact into the store under tag, replacing an older one. The returned
// artifact points at its stored location.
func (s Store) Save(a *Artifact, tag string) (*Artifact, error) {
	dir, err := s.dir(tag)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir artifact store")
	}
	tmp, err := os.MkdirTemp(s.Root, "."+tag+"-")
	if err != nil {
		return nil, errors.Wrap(err, "mkdir artifact staging")
	}
	content := filepath.Join(tmp, "content")
	if err := moveDir(a.Dir, content); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, errors.Wrap(err, "move artifact into store")
	}

	out := *a
	out.Tag = tag
	out.Dir = filepath.Join(dir, "content")
	if err := commit(tmp, dir, out); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, err
	}
	return &out, nil
}

// commit writes the metadata next to the staged content and swaps the staging
// directory into place.
func commit(tmp, dir string, a Artifact) error {
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal artifact")
	}
	if err := os.WriteFile(filepath.Join(tmp, metaFile), b, 0o644); err != nil {
		return errors.Wrap(err, "write artifact meta")
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "remove previous artifact")
	}
	return errors.Wrap(os.Rename(tmp, dir), "commit artifact")
}

func (s Store) Load(tag string) (*Artifact, error) {
	dir, err := s.dir(tag)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", tag)
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, errors.Wrapf(err, "parse artifact %s", tag)
	}
	return &a, nil
}

func (s Store) Remove(tag string) error {
	dir, err := s.dir(tag)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s Store) Tags() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read artifact store")
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.Root, e.Name(), metaFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// moveDir renames src to dst, copying when they live on different filesystems.
func moveDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := fsutil.CopyTree(src, ".", dst, nil); err != nil {
		return err
	}
	return os.RemoveAll(src)
}
