// Package docker runs services and build steps in containers through the Docker Engine
// API.
package docker

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	LabelProject = "io.stackup.project"
	LabelService = "io.stackup.service"
	LabelStage   = "io.stackup.stage"
)

// NewClient connects to the daemon named by DOCKER_HOST and friends.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return cli, nil
}

// ensureImage pulls ref unless the daemon already has it.
func ensureImage(ctx context.Context, cli *client.Client, ref string, progress io.Writer) error {
	if ref == "" {
		return errors.New("no image to run")
	}
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "inspect image %s", ref)
	}

	log.Info().Str("image", ref).Msg("pulling image")
	rc, err := cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull image %s", ref)
	}
	defer func() { _ = rc.Close() }()
	if progress == nil {
		progress = io.Discard
	}
	if _, err := io.Copy(progress, rc); err != nil {
		return errors.Wrapf(err, "pull image %s", ref)
	}
	return nil
}

// removeContainer force-removes a container, ignoring ones that are already gone.
func removeContainer(ctx context.Context, cli *client.Client, id string) error {
	err := cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "remove container %s", id)
	}
	return nil
}
