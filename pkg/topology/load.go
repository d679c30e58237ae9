package topology

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultFilename = "stackup.yaml"

func LoadFile(path string, p overlay.Patch) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read topology")
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrap(err, "resolve topology dir")
	}
	t, err := Parse(b, abs, p)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return t, nil
}

// Parse decodes a topology document, applies the overrides to the raw document, and
// resolves relative paths against dir. It does not validate the graph.
func Parse(b []byte, dir string, p overlay.Patch) (*Topology, error) {
	if !p.Empty() {
		var doc overlay.Document
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, errors.Wrap(err, "parse topology")
		}
		doc, err := overlay.Apply(doc, p)
		if err != nil {
			return nil, errors.Wrap(err, "apply overrides")
		}
		b, err = yaml.Marshal(doc)
		if err != nil {
			return nil, errors.Wrap(err, "re-encode topology")
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var t Topology
	if err := dec.Decode(&t); err != nil {
		return nil, errors.Wrap(err, "parse topology")
	}
	t.Dir = dir
	if err := t.normalize(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) normalize() error {
	if t.Name == "" && t.Dir != "" {
		t.Name = filepath.Base(t.Dir)
	}
	if t.Services == nil {
		t.Services = map[string]*Service{}
	}
	if t.Volumes == nil {
		t.Volumes = map[string]Volume{}
	}
	for name, s := range t.Services {
		if s == nil {
			s = &Service{}
			t.Services[name] = s
		}
		s.Name = name
		if s.Build != nil {
			if s.Build.Context == "" {
				s.Build.Context = "."
			}
			if isRemote(s.Build.Context) {
				// relative to the cloned repository
				if s.Build.Stagefile == "" {
					s.Build.Stagefile = "Stagefile"
				}
			} else {
				if s.Build.Stagefile == "" {
					s.Build.Stagefile = filepath.Join(s.Build.Context, "Stagefile")
				}
				s.Build.Context = t.Resolve(s.Build.Context)
				s.Build.Stagefile = t.Resolve(s.Build.Stagefile)
			}
			if s.Build.Tag == "" {
				s.Build.Tag = name
			}
		}
		for i := range s.Volumes {
			v := &s.Volumes[i]
			if !v.IsBind() {
				continue
			}
			src, err := homedir.Expand(v.Source)
			if err != nil {
				return errors.Wrapf(err, "service %s: expand %s", name, v.Source)
			}
			v.Source = t.Resolve(src)
		}
		if s.Readiness != nil && s.Readiness.Script != "" {
			s.Readiness.Script = t.Resolve(s.Readiness.Script)
		}
	}
	return nil
}

func isRemote(ctx string) bool {
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://", "git://"} {
		if strings.HasPrefix(ctx, prefix) {
			return true
		}
	}
	return false
}
