// Package supervise is the host process backend: services run as process groups with
// their output captured in log files under the project state directory.
package supervise

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ProjectDir      string
	ShutdownTimeout time.Duration
	// WrapperExe, when set, is started with the hidden __wrap-service command so that an
	// exit record is written when the service ends.
	WrapperExe string
}

type Supervisor struct {
	opts Options
}

var _ orchestrate.Backend = (*Supervisor)(nil)
var _ orchestrate.LivenessChecker = (*Supervisor)(nil)

func New(opts Options) *Supervisor {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	return &Supervisor{opts: opts}
}

func (s *Supervisor) Name() string { return topology.BackendProcess }

// Start launches the service. The process is not tied to ctx: it keeps running until Stop.
func (s *Supervisor) Start(ctx context.Context, svc *topology.Service, art *build.Artifact) (orchestrate.Handle, error) {
	if s.opts.ProjectDir == "" {
		return orchestrate.Handle{}, errors.New("missing ProjectDir")
	}
	argv := svc.Argv()
	if len(argv) == 0 {
		return orchestrate.Handle{}, errors.Errorf("service %q missing command", svc.Name)
	}
	logsDir := state.LogsDir(s.opts.ProjectDir)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return orchestrate.Handle{}, errors.Wrap(err, "mkdir logs dir")
	}

	cwd := s.workdir(svc, art)
	env := serviceEnv(svc, art)

	ts := time.Now().Format("20060102-150405")
	h := orchestrate.Handle{
		Backend:   topology.BackendProcess,
		Command:   argv,
		Cwd:       cwd,
		Env:       env,
		StdoutLog: filepath.Join(logsDir, svc.Name+"-"+ts+".stdout.log"),
		StderrLog: filepath.Join(logsDir, svc.Name+"-"+ts+".stderr.log"),
	}

	if s.opts.WrapperExe == "" {
		pid, err := startDirect(argv, cwd, env, h.StdoutLog, h.StderrLog)
		if err != nil {
			return orchestrate.Handle{}, err
		}
		h.PID = pid
		log.Info().Str("service", svc.Name).Int("pid", pid).Str("cwd", cwd).Msg("process started")
		return h, nil
	}

	h.ExitInfo = filepath.Join(logsDir, svc.Name+"-"+ts+".exit.json")
	readyPath := filepath.Join(logsDir, svc.Name+"-"+ts+".ready")
	pid, err := s.startWrapped(ctx, svc.Name, argv, cwd, env, h, readyPath)
	if err != nil {
		return orchestrate.Handle{}, err
	}
	h.PID = pid
	log.Info().Str("service", svc.Name).Int("pid", pid).Str("cwd", cwd).Msg("process started (wrapped)")
	return h, nil
}

func (s *Supervisor) Stop(ctx context.Context, name string, h orchestrate.Handle) error {
	if h.PID <= 0 {
		return nil
	}
	if err := terminatePIDGroup(ctx, h.PID, s.opts.ShutdownTimeout); err != nil {
		return errors.Wrapf(err, "stop %s (pid %d)", name, h.PID)
	}
	log.Info().Str("service", name).Int("pid", h.PID).Msg("process stopped")
	return nil
}

func (s *Supervisor) Alive(_ context.Context, h orchestrate.Handle) bool {
	return state.ProcessAlive(h.PID)
}

// Logs returns stdout followed by stderr.
func (s *Supervisor) Logs(_ context.Context, h orchestrate.Handle) (io.ReadCloser, error) {
	var files []*os.File
	for _, p := range []string{h.StdoutLog, h.StderrLog} {
		if p == "" {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			closeAll(files)
			return nil, errors.Wrap(err, "open log")
		}
		files = append(files, f)
	}
	readers := make([]io.Reader, 0, len(files))
	for _, f := range files {
		readers = append(readers, f)
	}
	return &multiReadCloser{Reader: io.MultiReader(readers...), files: files}, nil
}

type multiReadCloser struct {
	io.Reader
	files []*os.File
}

func (m *multiReadCloser) Close() error {
	closeAll(m.files)
	return nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// workdir is the artifact content directory for built services (its parent when the
// artifact is a single file), the project dir otherwise. A relative service workdir is
// resolved against it.
func (s *Supervisor) workdir(svc *topology.Service, art *build.Artifact) string {
	base := s.opts.ProjectDir
	if art != nil {
		base = art.Dir
		if info, err := os.Stat(art.Content()); err == nil && info.IsDir() {
			base = art.Content()
		}
	}
	if svc.Workdir == "" {
		return base
	}
	if filepath.IsAbs(svc.Workdir) {
		return svc.Workdir
	}
	return filepath.Join(base, svc.Workdir)
}

func serviceEnv(svc *topology.Service, art *build.Artifact) map[string]string {
	env := map[string]string{"STACKUP_SERVICE": svc.Name}
	if art != nil {
		env["STACKUP_ARTIFACT"] = art.Content()
	}
	for k, v := range svc.Environment {
		env[k] = v
	}
	return env
}

func startDirect(argv []string, cwd string, env map[string]string, stdoutPath, stderrPath string) (int, error) {
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, errors.Wrap(err, "open stdout log")
	}
	defer func() { _ = stdoutFile.Close() }()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, errors.Wrap(err, "open stderr log")
	}
	defer func() { _ = stderrFile.Close() }()

	// #nosec G204 -- command comes from the project topology.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start service")
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

func (s *Supervisor) startWrapped(ctx context.Context, name string, argv []string, cwd string, env map[string]string, h orchestrate.Handle, readyPath string) (int, error) {
	args := []string{
		"__wrap-service",
		"--service", name,
		"--cwd", cwd,
		"--stdout-log", h.StdoutLog,
		"--stderr-log", h.StderrLog,
		"--exit-info", h.ExitInfo,
		"--ready-file", readyPath,
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+env[k])
	}
	args = append(args, "--")
	args = append(args, argv...)

	// #nosec G204 -- wrapper is our own executable.
	cmd := exec.Command(s.opts.WrapperExe, args...)
	cmd.Dir = s.opts.ProjectDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start wrapper")
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(2 * time.Second)
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if _, err := os.Stat(readyPath); err == nil {
			return pid, nil
		}
		if !state.ProcessAlive(pid) {
			info, _ := state.ReadExitInfo(h.ExitInfo)
			if info != nil {
				return 0, errors.Errorf("service exited during start: %s", info.Summary())
			}
			return 0, errors.New("wrapper exited before starting the service")
		}
		if time.Now().After(deadline) {
			_ = terminatePIDGroup(context.Background(), pid, time.Second)
			return 0, errors.New("wrapper did not report child start")
		}
		select {
		case <-ctx.Done():
			_ = terminatePIDGroup(context.Background(), pid, time.Second)
			return 0, ctx.Err()
		case <-t.C:
		}
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func terminatePIDGroup(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if ctxDeadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(ctxDeadline); remaining < timeout {
			timeout = remaining
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	deadline := time.Now().Add(timeout)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		if !state.ProcessAlive(pid) {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	log.Debug().Int("pid", pid).Msg("escalating to SIGKILL")
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	killDeadline := time.Now().Add(2 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(killDeadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if state.ProcessAlive(pid) {
		return errors.New("failed to stop service")
	}
	return nil
}
