// Package topology models the declared set of services, their dependencies, ports, volumes
// and readiness probes, and computes the start order.
package topology

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

type Topology struct {
	Name     string              `yaml:"name" json:"name"`
	Volumes  map[string]Volume   `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Services map[string]*Service `yaml:"services" json:"services"`

	// Dir is the directory relative paths were resolved against.
	Dir string `yaml:"-" json:"dir,omitempty"`
}

type Volume struct {
	Driver string            `yaml:"driver,omitempty" json:"driver,omitempty"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// BuildRef points a service at a Stagefile whose artifact it runs.
type BuildRef struct {
	Stagefile string `yaml:"stagefile,omitempty" json:"stagefile,omitempty"`
	Context   string `yaml:"context,omitempty" json:"context,omitempty"`
	Tag       string `yaml:"tag,omitempty" json:"tag,omitempty"`
}

type Service struct {
	Name        string        `yaml:"-" json:"name"`
	Image       string        `yaml:"image,omitempty" json:"image,omitempty"`
	Build       *BuildRef     `yaml:"build,omitempty" json:"build,omitempty"`
	Entrypoint  Command       `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Command     Command       `yaml:"command,omitempty" json:"command,omitempty"`
	Workdir     string        `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Environment Environment   `yaml:"environment,omitempty" json:"environment,omitempty"`
	Ports       []PortBinding `yaml:"ports,omitempty" json:"ports,omitempty"`
	Volumes     []VolumeMount `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	DependsOn   []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Readiness   *Probe        `yaml:"readiness,omitempty" json:"readiness,omitempty"`
	Backend     string        `yaml:"backend,omitempty" json:"backend,omitempty"`
}

// Argv is the entrypoint followed by the command.
func (s *Service) Argv() []string {
	out := make([]string, 0, len(s.Entrypoint)+len(s.Command))
	out = append(out, s.Entrypoint...)
	return append(out, s.Command...)
}

// Command accepts either a shell-style string or a list.
type Command []string

func (c *Command) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		args, err := shellwords.Parse(s)
		if err != nil {
			return errors.Wrapf(err, "line %d: parse command", n.Line)
		}
		*c = args
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := n.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	default:
		return errors.Errorf("line %d: command must be a string or a list", n.Line)
	}
}

// Environment accepts a mapping or a list of KEY=VALUE entries.
type Environment map[string]string

func (e *Environment) UnmarshalYAML(n *yaml.Node) error {
	out := Environment{}
	switch n.Kind {
	case yaml.MappingNode:
		var m map[string]any
		if err := n.Decode(&m); err != nil {
			return err
		}
		for k, v := range m {
			if v == nil {
				out[k] = ""
				continue
			}
			out[k] = fmt.Sprint(v)
		}
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		for _, it := range items {
			k, v, _ := strings.Cut(it, "=")
			out[k] = v
		}
	default:
		return errors.Errorf("line %d: environment must be a mapping or a list", n.Line)
	}
	*e = out
	return nil
}

// Sorted returns KEY=VALUE pairs in key order.
func (e Environment) Sorted() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e[k])
	}
	return out
}

type PortBinding struct {
	HostIP    string `yaml:"host_ip,omitempty" json:"host_ip,omitempty"`
	Host      int    `yaml:"host,omitempty" json:"host,omitempty"`
	Container int    `yaml:"container" json:"container"`
	Protocol  string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
}

func (p PortBinding) Proto() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return p.Protocol
}

func (p PortBinding) String() string {
	s := strconv.Itoa(p.Container) + "/" + p.Proto()
	if p.Host == 0 {
		return s
	}
	h := strconv.Itoa(p.Host)
	if p.HostIP != "" {
		h = p.HostIP + ":" + h
	}
	return h + ":" + s
}

// UnmarshalYAML accepts "container", "host:container", "ip:host:container", each with an
// optional "/proto" suffix, or the long mapping form.
func (p *PortBinding) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode {
		type plain PortBinding
		var v plain
		if err := n.Decode(&v); err != nil {
			return err
		}
		*p = PortBinding(v)
		return nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	pb, err := ParsePort(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", n.Line)
	}
	*p = pb
	return nil
}

func ParsePort(s string) (PortBinding, error) {
	var pb PortBinding
	spec, proto, ok := strings.Cut(s, "/")
	if ok {
		pb.Protocol = strings.ToLower(proto)
	}
	parts := strings.Split(spec, ":")
	var host, container string
	switch len(parts) {
	case 1:
		container = parts[0]
	case 2:
		host, container = parts[0], parts[1]
	case 3:
		pb.HostIP, host, container = parts[0], parts[1], parts[2]
	default:
		return pb, errors.Errorf("invalid port %q", s)
	}
	c, err := strconv.Atoi(container)
	if err != nil || c <= 0 || c > 65535 {
		return pb, errors.Errorf("invalid container port in %q", s)
	}
	pb.Container = c
	if host != "" {
		h, err := strconv.Atoi(host)
		if err != nil || h <= 0 || h > 65535 {
			return pb, errors.Errorf("invalid host port in %q", s)
		}
		pb.Host = h
	}
	return pb, nil
}

type VolumeMount struct {
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

// IsBind reports whether the source is a host path rather than a named volume.
func (v VolumeMount) IsBind() bool {
	return strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, ".") || strings.HasPrefix(v.Source, "~")
}

func (v *VolumeMount) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode {
		type plain VolumeMount
		var m plain
		if err := n.Decode(&m); err != nil {
			return err
		}
		*v = VolumeMount(m)
		return nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	vm, err := ParseVolume(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", n.Line)
	}
	*v = vm
	return nil
}

// ParseVolume parses "target", "source:target" or "source:target:ro|rw".
func ParseVolume(s string) (VolumeMount, error) {
	parts := strings.Split(s, ":")
	var vm VolumeMount
	switch len(parts) {
	case 1:
		vm.Target = parts[0]
	case 2:
		vm.Source, vm.Target = parts[0], parts[1]
	case 3:
		vm.Source, vm.Target = parts[0], parts[1]
		switch parts[2] {
		case "ro":
			vm.ReadOnly = true
		case "rw":
		default:
			return vm, errors.Errorf("invalid volume mode %q in %q", parts[2], s)
		}
	default:
		return vm, errors.Errorf("invalid volume %q", s)
	}
	if vm.Target == "" {
		return vm, errors.Errorf("volume %q has no target", s)
	}
	return vm, nil
}

// Probe declares how readiness is observed. Exactly one mechanism is set.
type Probe struct {
	TCP      string        `yaml:"tcp,omitempty" json:"tcp,omitempty"`
	HTTP     string        `yaml:"http,omitempty" json:"http,omitempty"`
	Log      string        `yaml:"log,omitempty" json:"log,omitempty"`
	Script   string        `yaml:"script,omitempty" json:"script,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

func (p *Probe) Kind() string {
	if p == nil {
		return ""
	}
	var kinds []string
	if p.TCP != "" {
		kinds = append(kinds, "tcp")
	}
	if p.HTTP != "" {
		kinds = append(kinds, "http")
	}
	if p.Log != "" {
		kinds = append(kinds, "log")
	}
	if p.Script != "" {
		kinds = append(kinds, "script")
	}
	return strings.Join(kinds, "+")
}

func (p *Probe) Target() string {
	switch p.Kind() {
	case "tcp":
		return p.TCP
	case "http":
		return p.HTTP
	case "log":
		return p.Log
	case "script":
		return p.Script
	}
	return ""
}

func (t *Topology) Service(name string) (*Service, bool) {
	s, ok := t.Services[name]
	return s, ok
}

// Names returns service names in lexical order.
func (t *Topology) Names() []string {
	out := make([]string, 0, len(t.Services))
	for n := range t.Services {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve makes p absolute against the topology directory.
func (t *Topology) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(t.Dir, p)
}
