package logmatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, src string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "matcher.js")
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	return p
}

func TestReady_CountsAndState(t *testing.T) {
	s, err := Load(writeScript(t, `
register({
  name: "mysql",
  init(ctx) { ctx.state.seen = 0; },
  ready(line, ctx) {
    ctx.state.seen++;
    return line.includes("ready for connections") && ctx.state.seen > 1;
  },
});
`), Options{})
	require.NoError(t, err)
	require.Equal(t, "mysql", s.Name())
	require.True(t, s.CanReady())

	ok, err := s.Ready("mysqld: ready for connections\n", "stderr", 1)
	require.NoError(t, err)
	require.False(t, ok, "first line only primes the counter")

	ok, err = s.Ready("mysqld: ready for connections\n", "stderr", 2)
	require.NoError(t, err)
	require.True(t, ok)

	st := s.Stats()
	require.Equal(t, int64(2), st.Lines)
	require.Equal(t, int64(1), st.Matched)
}

func TestParse_Helpers(t *testing.T) {
	s, err := Compile("inline.js", `
register({
  name: "app",
  parse(line) {
    const obj = log.parseJSON(line);
    if (obj) {
      return { level: obj.level, message: obj.msg, timestamp: log.parseTimestamp(obj.ts), trace: log.field(obj, "ctx.trace") };
    }
    const kv = log.parseLogfmt(line);
    if (kv.msg) return { message: kv.msg, level: kv.level || "INFO" };
    return null;
  },
});
`, Options{})
	require.NoError(t, err)
	require.False(t, s.CanReady())

	ev, err := s.Parse(`{"level":"WARN","msg":"slow query","ts":"2024-03-01T10:00:00Z","ctx":{"trace":"abc"}}`, "stdout", 7)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "WARN", ev.Level)
	require.Equal(t, "slow query", ev.Message)
	require.Equal(t, "abc", ev.Fields["trace"])
	require.NotNil(t, ev.Timestamp)
	require.True(t, ev.Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	require.Equal(t, int64(7), ev.Line)

	ev, err = s.Parse(`level=ERROR msg="disk full" retry`, "stdout", 8)
	require.NoError(t, err)
	require.Equal(t, "ERROR", ev.Level)
	require.Equal(t, "disk full", ev.Message)

	ev, err = s.Parse("plain noise", "stdout", 9)
	require.NoError(t, err)
	require.Nil(t, ev)
	require.Equal(t, int64(1), s.Stats().Dropped)
}

func TestHookTimeout(t *testing.T) {
	s, err := Compile("loop.js", `register({ name: "loop", ready() { for(;;) {} } });`, Options{HookTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = s.Ready("x", "stdout", 1)
	require.True(t, errors.Is(err, ErrHookTimeout))
	require.Equal(t, int64(1), s.Stats().Timeouts)

	// the runtime stays usable after an interrupt
	_, err = s.Ready("y", "stdout", 2)
	require.True(t, errors.Is(err, ErrHookTimeout))
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile("none.js", `var x = 1;`, Options{})
	require.True(t, errors.Is(err, ErrNoRegister))

	_, err = Compile("noname.js", `register({ ready() { return true; } });`, Options{})
	require.Error(t, err)

	_, err = Compile("nohooks.js", `register({ name: "x" });`, Options{})
	require.Error(t, err)
}
