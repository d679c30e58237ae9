// Package overlay applies dotted-path overrides to a decoded YAML document before it is
// converted into typed structs (`up --set services.app.environment.DEBUG=1`).
package overlay

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Document = map[string]any

type Patch struct {
	Set   map[string]any `json:"set,omitempty" yaml:"set,omitempty"`
	Unset []string       `json:"unset,omitempty" yaml:"unset,omitempty"`
}

func (p Patch) Empty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0
}

// Apply runs unsets first, then sets in lexical key order so that a parent path is always
// written before its children.
func Apply(doc Document, p Patch) (Document, error) {
	if doc == nil {
		doc = Document{}
	}
	for _, key := range p.Unset {
		if err := unsetDotted(doc, key); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(p.Set))
	for k := range p.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := setDotted(doc, key, p.Set[key]); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func Merge(a, b Patch) Patch {
	out := Patch{
		Set:   map[string]any{},
		Unset: []string{},
	}
	for k, v := range a.Set {
		out.Set[k] = v
	}
	for k, v := range b.Set {
		out.Set[k] = v
	}
	seen := map[string]struct{}{}
	for _, k := range append(append([]string{}, a.Unset...), b.Unset...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Unset = append(out.Unset, k)
	}
	return out
}

// ParseAssignments turns `path=value` pairs into a patch. Values are decoded as YAML so
// `ports=["8081:8080"]` yields a list and `replicas=2` an int.
func ParseAssignments(sets []string, unsets []string) (Patch, error) {
	p := Patch{Set: map[string]any{}, Unset: append([]string{}, unsets...)}
	for _, s := range sets {
		k, raw, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return Patch{}, errors.Errorf("invalid override %q (expected path=value)", s)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return Patch{}, errors.Wrapf(err, "decode override %q", k)
		}
		if v == nil && raw != "" && raw != "null" && raw != "~" {
			v = raw
		}
		p.Set[k] = v
	}
	return p, nil
}

func setDotted(doc Document, dotted string, value any) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	current := doc
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		next, ok := current[part]
		if !ok || next == nil {
			child := map[string]any{}
			current[part] = child
			current = child
			continue
		}
		asMap, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("cannot set %q: path segment %q is not an object", dotted, part)
		}
		current = asMap
	}

	current[parts[len(parts)-1]] = value
	return nil
}

func unsetDotted(doc Document, dotted string) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	current := doc
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		next, ok := current[part]
		if !ok {
			return nil
		}
		asMap, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("cannot unset %q: path segment %q is not an object", dotted, part)
		}
		current = asMap
	}
	delete(current, parts[len(parts)-1])
	return nil
}

func splitDotted(dotted string) []string {
	raw := strings.Split(dotted, ".")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
