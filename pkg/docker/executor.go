package docker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Executor runs build steps in a throwaway container of the stage's base image with the
// stage root bind-mounted at /stackup/stage.
type Executor struct {
	cli          *client.Client
	project      string
	pullProgress io.Writer

	mu     sync.Mutex
	pulled map[string]bool
}

var _ build.Executor = (*Executor)(nil)

func NewExecutor(cli *client.Client, project string, pullProgress io.Writer) *Executor {
	return &Executor{cli: cli, project: project, pullProgress: pullProgress, pulled: map[string]bool{}}
}

func (e *Executor) Exec(ctx context.Context, x build.Exec) (int, error) {
	if len(x.Argv) == 0 {
		return -1, errors.New("empty command")
	}
	if err := os.MkdirAll(filepath.Join(x.Root, x.Workdir), 0o755); err != nil {
		return -1, errors.Wrap(err, "mkdir workdir")
	}
	if err := e.ensure(ctx, x.Base); err != nil {
		return -1, err
	}

	cfg := &container.Config{
		Image:      x.Base,
		Cmd:        strslice.StrSlice(x.Argv),
		WorkingDir: stagePath(x.Workdir),
		Env:        build.StageEnv(nil, x, stageDir),
		Labels: map[string]string{
			LabelProject: e.project,
			LabelStage:   x.Stage,
		},
	}
	host := &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeBind, Source: x.Root, Target: stageDir}},
	}
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return -1, errors.Wrapf(err, "create step container from %s", x.Base)
	}
	defer func() { _ = removeContainer(context.WithoutCancel(ctx), e.cli, resp.ID) }()

	if err := e.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return -1, errors.Wrap(err, "start step container")
	}
	log.Debug().Str("stage", x.Stage).Strs("argv", x.Argv).Str("container", shortID(resp.ID)).Msg("run step")

	logs, err := e.cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, errors.Wrap(err, "attach step logs")
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(writerOr(x.Stdout), writerOr(x.Stderr), logs)
	}()

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		_ = logs.Close()
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, errors.Wrap(err, "wait for step container")
	case st := <-statusCh:
		<-copied
		_ = logs.Close()
		if st.Error != nil {
			return -1, errors.New(st.Error.Message)
		}
		return int(st.StatusCode), nil
	}
}

func (e *Executor) ensure(ctx context.Context, image string) error {
	e.mu.Lock()
	done := e.pulled[image]
	e.mu.Unlock()
	if done {
		return nil
	}
	if err := ensureImage(ctx, e.cli, image, e.pullProgress); err != nil {
		return err
	}
	e.mu.Lock()
	e.pulled[image] = true
	e.mu.Unlock()
	return nil
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
