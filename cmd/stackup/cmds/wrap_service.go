package cmds

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// wrapOptions are the flags the process backend passes when it starts a service through
// the wrapper.
type wrapOptions struct {
	Service   string
	Cwd       string
	StdoutLog string
	StderrLog string
	ExitInfo  string
	ReadyFile string
	Env       []string
	TailLines int
}

func (o wrapOptions) validate() error {
	switch {
	case o.Service == "":
		return errors.New("missing --service")
	case o.Cwd == "":
		return errors.New("missing --cwd")
	case o.StdoutLog == "" || o.StderrLog == "":
		return errors.New("missing --stdout-log or --stderr-log")
	case o.ExitInfo == "":
		return errors.New("missing --exit-info")
	}
	return nil
}

func newWrapServiceCmd() *cobra.Command {
	var o wrapOptions

	cmd := &cobra.Command{
		Use:    "__wrap-service -- [cmd args...]",
		Short:  "Internal: run a service in its own process group and record how it exited",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.Disabled)
			log.Logger = zerolog.New(io.Discard)

			if err := o.validate(); err != nil {
				return err
			}
			return wrapService(o, args)
		},
	}

	cmd.Flags().StringVar(&o.Service, "service", "", "Service name")
	cmd.Flags().StringVar(&o.Cwd, "cwd", "", "Working directory")
	cmd.Flags().StringVar(&o.StdoutLog, "stdout-log", "", "Stdout log path")
	cmd.Flags().StringVar(&o.StderrLog, "stderr-log", "", "Stderr log path")
	cmd.Flags().StringVar(&o.ExitInfo, "exit-info", "", "Exit info JSON path")
	cmd.Flags().StringVar(&o.ReadyFile, "ready-file", "", "Write child PID to this file once started")
	// StringArray keeps values containing commas intact.
	cmd.Flags().StringArrayVar(&o.Env, "env", nil, "Extra env (KEY=VAL), repeatable")
	cmd.Flags().IntVar(&o.TailLines, "tail-lines", 25, "How many stderr lines to record on exit")
	return cmd
}

func wrapService(o wrapOptions, argv []string) error {
	for _, p := range []string{o.StdoutLog, o.StderrLog, o.ExitInfo} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return errors.Wrapf(err, "mkdir %s", filepath.Dir(p))
		}
	}

	stdoutFile, err := os.OpenFile(o.StdoutLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open stdout log")
	}
	defer func() { _ = stdoutFile.Close() }()

	stderrFile, err := os.OpenFile(o.StderrLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open stderr log")
	}
	defer func() { _ = stderrFile.Close() }()

	startedAt := time.Now()
	if err := syscall.Setpgid(0, 0); err != nil {
		return errors.Wrap(err, "setpgid")
	}

	child := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	child.Dir = o.Cwd
	child.Env = mergeEnv(os.Environ(), parseEnvPairs(o.Env))
	child.Stdout = stdoutFile
	child.Stderr = stderrFile

	pgid := os.Getpid()
	child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}

	// Signals sent to the wrapper reach the whole group.
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for s := range sigCh {
			_ = syscall.Kill(-pgid, s.(syscall.Signal))
		}
	}()

	if err := child.Start(); err != nil {
		_ = state.WriteExitInfo(o.ExitInfo, state.ExitInfo{
			Service:   o.Service,
			StartedAt: startedAt,
			ExitedAt:  time.Now(),
			Error:     errors.Wrap(err, "start").Error(),
		})
		return errors.Wrap(err, "start child")
	}

	if o.ReadyFile != "" {
		_ = os.MkdirAll(filepath.Dir(o.ReadyFile), 0o755)
		_ = os.WriteFile(o.ReadyFile, []byte(fmt.Sprintf("%d\n", child.Process.Pid)), 0o644)
	}

	info := exitInfoFor(o.Service, child.Process.Pid, startedAt, child.Wait())

	_ = stdoutFile.Sync()
	_ = stderrFile.Sync()

	tail := o.TailLines
	if tail <= 0 {
		tail = 25
	}
	if lines, err := state.TailLines(o.StderrLog, tail, 2<<20); err == nil {
		info.StderrTail = lines
	}
	_ = state.WriteExitInfo(o.ExitInfo, info)

	if info.ExitCode != nil && *info.ExitCode != 0 {
		return errors.Errorf("service %s exited with code %d", o.Service, *info.ExitCode)
	}
	if info.Signal != "" {
		return errors.Errorf("service %s exited by signal %s", o.Service, info.Signal)
	}
	return nil
}

func exitInfoFor(service string, pid int, startedAt time.Time, waitErr error) state.ExitInfo {
	info := state.ExitInfo{
		Service:   service,
		PID:       pid,
		StartedAt: startedAt,
		ExitedAt:  time.Now(),
	}
	if waitErr == nil {
		code := 0
		info.ExitCode = &code
		return info
	}
	info.Error = waitErr.Error()
	var ee *exec.ExitError
	if stderrors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				info.Signal = ws.Signal().String()
			}
			if ws.Exited() {
				code := ws.ExitStatus()
				info.ExitCode = &code
			}
		}
	}
	return info
}

func parseEnvPairs(pairs []string) map[string]string {
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// mergeEnv appends extra after base; later entries win in exec.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
