package supervise

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/probe"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/stretchr/testify/require"
)

func waitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.False(t, state.ProcessAlive(pid))
}

func readLogs(t *testing.T, s *Supervisor, h orchestrate.Handle) string {
	t.Helper()
	rc, err := s.Logs(context.Background(), h)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestSupervisor_StartStop_Sleep(t *testing.T) {
	s := New(Options{ProjectDir: t.TempDir(), ShutdownTimeout: 2 * time.Second})

	h, err := s.Start(context.Background(), &topology.Service{
		Name:    "sleep",
		Command: topology.Command{"bash", "-c", "sleep 10"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, topology.BackendProcess, h.Backend)
	require.True(t, s.Alive(context.Background(), h))

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx, "sleep", h))
	waitDead(t, h.PID)
	require.False(t, s.Alive(context.Background(), h))
}

func TestSupervisor_OutlivesStartContext(t *testing.T) {
	s := New(Options{ProjectDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Start(ctx, &topology.Service{
		Name:    "sleep",
		Command: topology.Command{"bash", "-c", "sleep 10"},
	}, nil)
	require.NoError(t, err)
	cancel()
	time.Sleep(100 * time.Millisecond)
	require.True(t, state.ProcessAlive(h.PID))
	require.NoError(t, s.Stop(context.Background(), "sleep", h))
	waitDead(t, h.PID)
}

func TestSupervisor_ArtifactWorkdirAndEnv(t *testing.T) {
	artDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(artDir, "webapps"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artDir, "webapps", "ROOT.war"), []byte("war"), 0o644))

	s := New(Options{ProjectDir: t.TempDir()})
	art := &build.Artifact{Dir: artDir, Path: "webapps"}
	h, err := s.Start(context.Background(), &topology.Service{
		Name:        "app",
		Command:     topology.Command{"bash", "-c", "ls; echo port=$APP_PORT; echo err >&2"},
		Environment: topology.Environment{"APP_PORT": "8080"},
	}, art)
	require.NoError(t, err)
	waitDead(t, h.PID)

	require.Equal(t, filepath.Join(artDir, "webapps"), h.Cwd)
	out := readLogs(t, s, h)
	require.Contains(t, out, "ROOT.war")
	require.Contains(t, out, "port=8080")
	require.True(t, strings.HasSuffix(strings.TrimSpace(out), "err"), "stderr follows stdout")
}

func TestSupervisor_ReadinessWithProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	s := New(Options{ProjectDir: t.TempDir(), ShutdownTimeout: 2 * time.Second})
	h, err := s.Start(context.Background(), &topology.Service{
		Name:    "web",
		Command: topology.Command{"bash", "-c", "echo booting; exec python3 -m http.server " + port + " --bind 127.0.0.1"},
	}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Stop(context.Background(), "web", h) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := probe.NewProber()
	target := probe.Target{
		Service: "web",
		Probe:   &topology.Probe{TCP: "127.0.0.1:" + port},
	}
	require.NoError(t, probe.Poll(ctx, 50*time.Millisecond, func(c context.Context) error {
		return p.Check(c, target)
	}))

	logTarget := probe.Target{
		Service: "web",
		Probe:   &topology.Probe{Log: "^booting$"},
		Logs:    func(c context.Context) (io.ReadCloser, error) { return s.Logs(c, h) },
	}
	require.NoError(t, probe.Poll(ctx, 50*time.Millisecond, func(c context.Context) error {
		return p.Check(c, logTarget)
	}))
}

func TestSupervisor_CrashIsObservable(t *testing.T) {
	s := New(Options{ProjectDir: t.TempDir()})
	h, err := s.Start(context.Background(), &topology.Service{
		Name:    "crashy",
		Command: topology.Command{"bash", "-c", "sleep 0.2; exit 3"},
	}, nil)
	require.NoError(t, err)
	require.True(t, s.Alive(context.Background(), h))
	waitDead(t, h.PID)
	require.NoError(t, s.Stop(context.Background(), "crashy", h))
}

func TestSupervisor_MissingCommand(t *testing.T) {
	s := New(Options{ProjectDir: t.TempDir()})
	_, err := s.Start(context.Background(), &topology.Service{Name: "empty"}, nil)
	require.Error(t, err)
}
