package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRemove(t *testing.T) {
	dir := t.TempDir()
	require.False(t, Exists(dir))

	s := New("legacy-crud", dir)
	require.NotEmpty(t, s.RunID)
	s.Services = append(s.Services,
		ServiceRecord{Name: "app", Backend: "process", Phase: "ready", Seq: 2, PID: 42},
		ServiceRecord{Name: "db", Backend: "docker", Phase: "ready", Seq: 1, ContainerID: "abc"},
	)
	require.NoError(t, Save(dir, s))
	require.True(t, Exists(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, s.RunID, loaded.RunID)
	loaded.SortBySeq()
	require.Equal(t, "db", loaded.Services[0].Name)

	rec, ok := loaded.Service("app")
	require.True(t, ok)
	require.Equal(t, 42, rec.PID)

	entries, err := os.ReadDir(StateDir(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, Remove(dir))
	require.NoError(t, Remove(dir))
	require.False(t, Exists(dir))
}

func TestPaths(t *testing.T) {
	require.Equal(t, filepath.Join("/p", ".stackup", "logs"), LogsDir("/p"))
	require.Equal(t, filepath.Join("/p", ".stackup", "artifacts"), ArtifactsDir("/p"))
	require.Equal(t, filepath.Join("/p", ".stackup", "cache"), CacheDir("/p"))
	require.Equal(t, filepath.Join("/p", ".stackup", "work"), WorkDir("/p"))
}

func TestProcessAlive(t *testing.T) {
	require.True(t, ProcessAlive(os.Getpid()))
	require.False(t, ProcessAlive(0))
}

func TestSanitizeEnv(t *testing.T) {
	out := SanitizeEnv(map[string]string{"MYSQL_ROOT_PASSWORD": "root", "JAVA_OPTS": "-Xmx1g"})
	require.Equal(t, "-Xmx1g", out["JAVA_OPTS"])
	require.NotEqual(t, "root", out["MYSQL_ROOT_PASSWORD"])
}

func TestTailLines(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out.log")
	require.NoError(t, os.WriteFile(p, []byte("one\ntwo\nthree\n"), 0o644))
	lines, err := TailLines(p, 2, 1024)
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, lines)
}

func TestExitInfoSummary(t *testing.T) {
	code := 3
	require.Equal(t, "exit 3", (&ExitInfo{ExitCode: &code}).Summary())
	require.Equal(t, "signal terminated", (&ExitInfo{Signal: "terminated"}).Summary())
	require.Equal(t, "", (*ExitInfo)(nil).Summary())
}

func TestTailLines_Window(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.log")
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&b, "line %04d\n", i)
	}
	require.NoError(t, os.WriteFile(p, []byte(b.String()), 0o644))

	lines, err := TailLines(p, 3, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"line 4997", "line 4998", "line 4999"}, lines)

	// a 25 byte window holds two full lines and a partial one that is dropped.
	lines, err = TailLines(p, 10, 25)
	require.NoError(t, err)
	require.Equal(t, []string{"line 4998", "line 4999"}, lines)

	empty := filepath.Join(t.TempDir(), "empty.log")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	lines, err = TailLines(empty, 3, 0)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestExitInfo_TrimAndClean(t *testing.T) {
	zero := 0
	e := &ExitInfo{ExitCode: &zero, StderrTail: []string{"a", "b", "c"}}
	require.True(t, e.Clean())
	e.Trim(2)
	require.Equal(t, []string{"b", "c"}, e.StderrTail)

	started := time.Now()
	e = &ExitInfo{Signal: "killed", StartedAt: started, ExitedAt: started.Add(time.Second)}
	require.False(t, e.Clean())
	require.Equal(t, time.Second, e.Uptime())

	path := filepath.Join(t.TempDir(), "x", "exit.json")
	require.NoError(t, WriteExitInfo(path, *e))
	got, err := ReadExitInfo(path)
	require.NoError(t, err)
	require.Equal(t, "signal killed", got.Summary())
	require.NoFileExists(t, path+".tmp")
}
