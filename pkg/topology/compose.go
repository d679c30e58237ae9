package topology

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ReadinessExtension is the compose service extension carrying a readiness probe.
const ReadinessExtension = "x-stackup-readiness"

// ImportCompose loads docker-compose files and converts them into a topology. Compose
// services default to the docker backend.
func ImportCompose(ctx context.Context, files []string, projectName string) (*Topology, error) {
	if len(files) == 0 {
		return nil, errors.New("no compose files specified")
	}
	env := make(composetypes.Mapping)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[key] = value
	}

	configFiles := make([]composetypes.ConfigFile, 0, len(files))
	for _, path := range files {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", path)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, errors.Wrapf(err, "read compose file %s", path)
		}
		configFiles = append(configFiles, composetypes.ConfigFile{Filename: abs, Content: data})
	}

	details := composetypes.ConfigDetails{
		WorkingDir:  filepath.Dir(configFiles[0].Filename),
		ConfigFiles: configFiles,
		Environment: env,
	}
	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		if projectName != "" {
			o.SetProjectName(projectName, true)
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "load compose project")
	}
	return FromCompose(project)
}

func FromCompose(project *composetypes.Project) (*Topology, error) {
	t := &Topology{
		Name:     project.Name,
		Dir:      project.WorkingDir,
		Volumes:  map[string]Volume{},
		Services: map[string]*Service{},
	}
	for name, v := range project.Volumes {
		t.Volumes[name] = Volume{Driver: v.Driver, Labels: v.Labels}
	}

	for name, sc := range project.Services {
		s := &Service{
			Name:        name,
			Image:       sc.Image,
			Entrypoint:  Command(sc.Entrypoint),
			Command:     Command(sc.Command),
			Workdir:     sc.WorkingDir,
			Environment: Environment{},
			Backend:     BackendDocker,
		}
		if sc.Build != nil {
			ctxDir := sc.Build.Context
			dockerfile := sc.Build.Dockerfile
			if dockerfile == "" {
				dockerfile = "Dockerfile"
			}
			if !isRemote(ctxDir) && !filepath.IsAbs(dockerfile) {
				dockerfile = filepath.Join(ctxDir, dockerfile)
			}
			tag := sc.Image
			if tag == "" {
				tag = name
			}
			s.Build = &BuildRef{Stagefile: dockerfile, Context: ctxDir, Tag: tag}
			s.Image = ""
		}
		for k, v := range sc.Environment {
			if v == nil {
				continue
			}
			s.Environment[k] = *v
		}
		for _, p := range sc.Ports {
			pb := PortBinding{HostIP: p.HostIP, Container: int(p.Target), Protocol: p.Protocol}
			if p.Published != "" {
				h, err := strconv.Atoi(p.Published)
				if err != nil {
					return nil, errors.Errorf("service %s: published port range %q is not supported", name, p.Published)
				}
				pb.Host = h
			}
			s.Ports = append(s.Ports, pb)
		}
		for _, v := range sc.Volumes {
			s.Volumes = append(s.Volumes, VolumeMount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
		}
		for dep := range sc.DependsOn {
			s.DependsOn = append(s.DependsOn, dep)
		}
		if raw, ok := sc.Extensions[ReadinessExtension]; ok {
			probe, err := decodeProbe(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "service %s: %s", name, ReadinessExtension)
			}
			probe.Script = t.Resolve(probe.Script)
			s.Readiness = probe
		}
		t.Services[name] = s
	}
	return t, nil
}

func decodeProbe(raw any) (*Probe, error) {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var p Probe
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
