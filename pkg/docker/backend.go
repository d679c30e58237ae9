package docker

import (
	"context"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultArtifactDir is where a build artifact lands in a container whose service sets no
// workdir.
const DefaultArtifactDir = "/app"

type Options struct {
	Project     string
	StopTimeout time.Duration
	// PullProgress receives the raw pull stream. Nil discards it.
	PullProgress io.Writer
}

// Backend runs each service as a container named <project>-<service> on a per-project
// network where services reach each other by name.
type Backend struct {
	cli  *client.Client
	opts Options

	mu         sync.Mutex
	netCreated bool
}

var _ orchestrate.Backend = (*Backend)(nil)
var _ orchestrate.LivenessChecker = (*Backend)(nil)

func New(cli *client.Client, opts Options) *Backend {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Backend{cli: cli, opts: opts}
}

func (b *Backend) Name() string { return topology.BackendDocker }

func (b *Backend) NetworkName() string {
	return b.opts.Project + "_default"
}

// VolumeName is the daemon-side name of a topology volume.
func (b *Backend) VolumeName(name string) string {
	return b.opts.Project + "_" + name
}

func (b *Backend) containerName(service string) string {
	return b.opts.Project + "-" + service
}

func (b *Backend) Start(ctx context.Context, svc *topology.Service, art *build.Artifact) (orchestrate.Handle, error) {
	image := svc.Image
	if image == "" && art != nil {
		image = art.Base
	}
	if err := ensureImage(ctx, b.cli, image, b.opts.PullProgress); err != nil {
		return orchestrate.Handle{}, err
	}
	if err := b.ensureNetwork(ctx); err != nil {
		return orchestrate.Handle{}, err
	}

	workdir := svc.Workdir
	if workdir == "" && art != nil {
		workdir = DefaultArtifactDir
	}

	exposed, bindings, err := portSpecs(svc.Ports)
	if err != nil {
		return orchestrate.Handle{}, err
	}
	mounts, err := b.mounts(ctx, svc)
	if err != nil {
		return orchestrate.Handle{}, err
	}

	cfg := &container.Config{
		Image:        image,
		Env:          svc.Environment.Sorted(),
		WorkingDir:   workdir,
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelProject: b.opts.Project,
			LabelService: svc.Name,
		},
	}
	if len(svc.Entrypoint) > 0 {
		cfg.Entrypoint = strslice.StrSlice(svc.Entrypoint)
	}
	if len(svc.Command) > 0 {
		cfg.Cmd = strslice.StrSlice(svc.Command)
	}
	host := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			b.NetworkName(): {Aliases: []string{svc.Name}},
		},
	}

	name := b.containerName(svc.Name)
	if err := removeContainer(ctx, b.cli, name); err != nil {
		return orchestrate.Handle{}, err
	}
	resp, err := b.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, name)
	if err != nil {
		return orchestrate.Handle{}, errors.Wrapf(err, "create container %s", name)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("service", svc.Name).Msg(w)
	}

	if art != nil {
		if err := b.copyArtifact(ctx, resp.ID, art, workdir); err != nil {
			_ = removeContainer(context.WithoutCancel(ctx), b.cli, resp.ID)
			return orchestrate.Handle{}, err
		}
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = removeContainer(context.WithoutCancel(ctx), b.cli, resp.ID)
		return orchestrate.Handle{}, errors.Wrapf(err, "start container %s", name)
	}
	log.Info().Str("service", svc.Name).Str("container", shortID(resp.ID)).Str("image", image).Msg("container started")

	return orchestrate.Handle{
		Backend: topology.BackendDocker,
		ID:      resp.ID,
		Image:   image,
		Command: svc.Argv(),
		Cwd:     workdir,
		Env:     svc.Environment,
	}, nil
}

func (b *Backend) copyArtifact(ctx context.Context, id string, art *build.Artifact, dest string) error {
	tar, err := archive.TarWithOptions(art.Dir, &archive.TarOptions{})
	if err != nil {
		return errors.Wrap(err, "archive artifact")
	}
	defer func() { _ = tar.Close() }()
	if err := b.cli.CopyToContainer(ctx, id, dest, tar, types.CopyToContainerOptions{}); err != nil {
		return errors.Wrapf(err, "copy artifact to %s", dest)
	}
	return nil
}

func (b *Backend) Stop(ctx context.Context, name string, h orchestrate.Handle) error {
	if h.ID == "" {
		return nil
	}
	secs := int(b.opts.StopTimeout / time.Second)
	if err := b.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "stop container for %s", name)
	}
	if err := removeContainer(ctx, b.cli, h.ID); err != nil {
		return err
	}
	log.Info().Str("service", name).Str("container", shortID(h.ID)).Msg("container removed")
	return nil
}

func (b *Backend) Alive(ctx context.Context, h orchestrate.Handle) bool {
	if h.ID == "" {
		return false
	}
	info, err := b.cli.ContainerInspect(ctx, h.ID)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return false
	}
	return info.State.Running
}

// Logs returns the demultiplexed stdout and stderr of the container.
func (b *Backend) Logs(ctx context.Context, h orchestrate.Handle) (io.ReadCloser, error) {
	return b.logs(ctx, h.ID, false)
}

// Follow is Logs that keeps streaming until ctx ends or the container exits.
func (b *Backend) Follow(ctx context.Context, h orchestrate.Handle) (io.ReadCloser, error) {
	return b.logs(ctx, h.ID, true)
}

func (b *Backend) logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	rc, err := b.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, errors.Wrap(err, "container logs")
	}
	return demux(rc), nil
}

// RemoveVolumes deletes the named volumes of the topology.
func (b *Backend) RemoveVolumes(ctx context.Context, topo *topology.Topology) error {
	var failed []string
	for name := range topo.Volumes {
		vn := b.VolumeName(name)
		if err := b.cli.VolumeRemove(ctx, vn, true); err != nil && !client.IsErrNotFound(err) {
			log.Warn().Err(err).Str("volume", vn).Msg("remove volume failed")
			failed = append(failed, vn)
			continue
		}
		log.Info().Str("volume", vn).Msg("volume removed")
	}
	if len(failed) > 0 {
		return errors.Errorf("could not remove volumes: %s", strings.Join(failed, ", "))
	}
	return nil
}

// RemoveImages deletes the given images, skipping ones already gone.
func (b *Backend) RemoveImages(ctx context.Context, images []string) error {
	var failed []string
	for _, img := range images {
		_, err := b.cli.ImageRemove(ctx, img, types.ImageRemoveOptions{PruneChildren: true})
		if err != nil && !client.IsErrNotFound(err) {
			log.Warn().Err(err).Str("image", img).Msg("remove image failed")
			failed = append(failed, img)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("could not remove images: %s", strings.Join(failed, ", "))
	}
	return nil
}

// RemoveNetwork deletes the project network once no container uses it.
func (b *Backend) RemoveNetwork(ctx context.Context) error {
	err := b.cli.NetworkRemove(ctx, b.NetworkName())
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Wrap(err, "remove network")
	}
	b.mu.Lock()
	b.netCreated = false
	b.mu.Unlock()
	return nil
}

func (b *Backend) ensureNetwork(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.netCreated {
		return nil
	}
	name := b.NetworkName()
	existing, err := b.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return errors.Wrap(err, "list networks")
	}
	for _, n := range existing {
		if n.Name == name {
			b.netCreated = true
			return nil
		}
	}
	if _, err := b.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{LabelProject: b.opts.Project},
	}); err != nil {
		return errors.Wrapf(err, "create network %s", name)
	}
	log.Info().Str("network", name).Msg("network created")
	b.netCreated = true
	return nil
}

func (b *Backend) mounts(ctx context.Context, svc *topology.Service) ([]mount.Mount, error) {
	var out []mount.Mount
	for _, v := range svc.Volumes {
		if v.Source == "" {
			out = append(out, mount.Mount{Type: mount.TypeVolume, Target: v.Target, ReadOnly: v.ReadOnly})
			continue
		}
		if v.IsBind() {
			out = append(out, mount.Mount{Type: mount.TypeBind, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
			continue
		}
		name := b.VolumeName(v.Source)
		if _, err := b.cli.VolumeCreate(ctx, volume.CreateOptions{
			Name:   name,
			Labels: map[string]string{LabelProject: b.opts.Project},
		}); err != nil {
			return nil, errors.Wrapf(err, "create volume %s", name)
		}
		out = append(out, mount.Mount{Type: mount.TypeVolume, Source: name, Target: v.Target, ReadOnly: v.ReadOnly})
	}
	return out, nil
}

func portSpecs(ports []topology.PortBinding) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port, err := nat.NewPort(p.Proto(), strconv.Itoa(p.Container))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "port %s", p.String())
		}
		exposed[port] = struct{}{}
		if p.Host == 0 {
			continue
		}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: strconv.Itoa(p.Host),
		})
	}
	return exposed, bindings, nil
}

// demux turns a multiplexed log stream into plain text.
func demux(rc io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(err)
	}()
	return &demuxed{PipeReader: pr, src: rc}
}

type demuxed struct {
	*io.PipeReader
	src io.ReadCloser
}

func (d *demuxed) Close() error {
	_ = d.src.Close()
	return d.PipeReader.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// stageDir is where the stage root is mounted for container build steps.
const stageDir = "/stackup/stage"

func stagePath(workdir string) string {
	return path.Join(stageDir, workdir)
}
