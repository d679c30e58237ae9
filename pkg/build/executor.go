package build

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Exec is one RUN step.
type Exec struct {
	Stage string
	Base  string
	// Root is the stage root on the host; Workdir is relative to it.
	Root    string
	Workdir string
	Env     map[string]string
	Argv    []string

	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs a step and reports its exit code. An error means the step could not be
// run at all.
type Executor interface {
	Exec(ctx context.Context, e Exec) (int, error)
}

// LocalExecutor runs steps as host processes in the stage root. The base environment is
// only recorded, never provisioned.
type LocalExecutor struct{}

func (LocalExecutor) Exec(ctx context.Context, e Exec) (int, error) {
	if len(e.Argv) == 0 {
		return -1, errors.New("empty command")
	}
	dir := filepath.Join(e.Root, e.Workdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return -1, errors.Wrap(err, "mkdir workdir")
	}

	// #nosec G204 -- the command comes from the Stagefile.
	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = StageEnv(os.Environ(), e, e.Root)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	log.Debug().Str("stage", e.Stage).Strs("argv", e.Argv).Str("dir", dir).Msg("run step")
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return exitErr.ExitCode(), nil
	}
	return -1, errors.Wrap(err, "start step")
}

// StageEnv appends the stage environment to base. root is where the stage root is visible
// to the step, which differs from e.Root when the step runs in a container.
func StageEnv(base []string, e Exec, root string) []string {
	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string{}, base...)
	for _, k := range keys {
		out = append(out, k+"="+e.Env[k])
	}
	return append(out,
		"STACKUP_STAGE="+e.Stage,
		"STACKUP_STAGE_ROOT="+root,
	)
}
