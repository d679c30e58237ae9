package orchestrate

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/probe"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	starts    []string
	stops     []string
	failStart map[string]error
	failStop  map[string]error
	onStart   func(name string)
	delay     time.Duration
	active    int
	maxActive int
	pid       int
}

func (b *fakeBackend) Name() string { return topology.BackendProcess }

func (b *fakeBackend) Start(_ context.Context, svc *topology.Service, _ *build.Artifact) (Handle, error) {
	b.mu.Lock()
	b.starts = append(b.starts, svc.Name)
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.pid++
	pid := 1000 + b.pid
	b.mu.Unlock()

	if b.onStart != nil {
		b.onStart(svc.Name)
	}
	time.Sleep(b.delay)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.active--
	if err := b.failStart[svc.Name]; err != nil {
		return Handle{}, err
	}
	return Handle{PID: pid, Command: svc.Argv()}, nil
}

func (b *fakeBackend) Stop(_ context.Context, name string, _ Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, name)
	return b.failStop[name]
}

func (b *fakeBackend) Logs(context.Context, Handle) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *fakeBackend) Starts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.starts...)
}

func (b *fakeBackend) Stops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.stops...)
}

type proberFunc func(ctx context.Context, t probe.Target) error

func (f proberFunc) Check(ctx context.Context, t probe.Target) error { return f(ctx, t) }

func alwaysReady() Prober {
	return proberFunc(func(context.Context, probe.Target) error { return nil })
}

func load(t *testing.T, doc string) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse([]byte(doc), t.TempDir(), overlay.Patch{})
	require.NoError(t, err)
	return topo
}

func newOrchestrator(b *fakeBackend, p Prober, rec events.Sink) *Orchestrator {
	return New(Options{
		Backends:     map[string]Backend{topology.BackendProcess: b},
		Prober:       p,
		PollInterval: 5 * time.Millisecond,
		Events:       rec,
	})
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

const legacyCrud = `
name: legacy-crud
services:
  db:
    command: mysqld
    ports: ["3306:3306"]
    readiness: {tcp: "127.0.0.1:3306", timeout: 200ms}
  app:
    command: catalina.sh run
    depends_on: [db]
    ports: ["8080:8080"]
    readiness: {tcp: "127.0.0.1:8080", timeout: 200ms}
`

func TestUp_LegacyCrud(t *testing.T) {
	b := &fakeBackend{}
	rec := &events.Recorder{}
	o := newOrchestrator(b, alwaysReady(), rec)

	running, err := o.Up(context.Background(), load(t, legacyCrud), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"db", "app"}, b.Starts())
	require.Equal(t, PhaseReady, running["db"].Phase)
	require.Equal(t, PhaseReady, running["app"].Phase)
	require.Less(t, running["db"].Seq, running["app"].Seq)
	require.Equal(t, topology.BackendProcess, running["app"].Handle.Backend)
	require.NotEmpty(t, rec.Types(events.TypeServiceState))
}

func TestUp_DependencyOrder(t *testing.T) {
	b := &fakeBackend{delay: 5 * time.Millisecond}
	o := newOrchestrator(b, alwaysReady(), nil)

	topo := load(t, `
services:
  web: {command: web, depends_on: [app]}
  app: {command: app, depends_on: [db, cache]}
  db: {command: db}
  cache: {command: cache}
  mail: {command: mail}
`)
	running, err := o.Up(context.Background(), topo, nil)
	require.NoError(t, err)

	starts := b.Starts()
	require.Len(t, starts, 5)
	for _, name := range topo.Names() {
		for _, dep := range topo.Services[name].DependsOn {
			require.Less(t, indexOf(starts, dep), indexOf(starts, name), "%s must start after %s", name, dep)
			require.Less(t, running[dep].Seq, running[name].Seq)
		}
	}
}

func TestUp_InvalidTopologyStartsNothing(t *testing.T) {
	cases := map[string]struct {
		doc   string
		check func(t *testing.T, err error)
	}{
		"cycle": {
			doc: `
services:
  a: {command: a, depends_on: [b]}
  b: {command: b, depends_on: [a]}
`,
			check: func(t *testing.T, err error) {
				var cyc *topology.DependencyCycle
				require.True(t, errors.As(err, &cyc))
				require.Contains(t, cyc.Members, "a")
				require.Contains(t, cyc.Members, "b")
			},
		},
		"port conflict": {
			doc: `
services:
  db: {command: db, ports: ["3306:3306"]}
  db2: {command: db2, ports: ["3306:3306"]}
`,
			check: func(t *testing.T, err error) {
				var pc *topology.PortConflict
				require.True(t, errors.As(err, &pc))
				require.Equal(t, 3306, pc.Port)
				require.ElementsMatch(t, []string{"db", "db2"}, pc.Services)
			},
		},
		"missing backend": {
			doc: `
services:
  db: {image: mysql:8, backend: docker}
`,
			check: func(t *testing.T, err error) {
				var inv *topology.InvalidTopology
				require.True(t, errors.As(err, &inv))
			},
		},
		"image on process backend": {
			doc: `
services:
  db: {image: mysql:8}
  app: {command: app, depends_on: [db]}
`,
			check: func(t *testing.T, err error) {
				var inv *topology.InvalidTopology
				require.True(t, errors.As(err, &inv))
				require.Len(t, inv.Problems, 1)
				require.Contains(t, inv.Problems[0], "service db")
			},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := &fakeBackend{}
			_, err := newOrchestrator(b, alwaysReady(), nil).Up(context.Background(), load(t, tc.doc), nil)
			require.Error(t, err)
			tc.check(t, err)
			require.Empty(t, b.Starts())
		})
	}
}

func TestUp_Idempotent(t *testing.T) {
	b := &fakeBackend{}
	o := newOrchestrator(b, alwaysReady(), nil)
	topo := load(t, legacyCrud)

	first, err := o.Up(context.Background(), topo, nil)
	require.NoError(t, err)
	second, err := o.Up(context.Background(), topo, first)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, b.Starts(), 2)
}

func TestUp_ResumesAfterPartialFailure(t *testing.T) {
	b := &fakeBackend{failStart: map[string]error{"app": errors.New("boom")}}
	o := newOrchestrator(b, alwaysReady(), nil)
	topo := load(t, legacyCrud)

	partial, err := o.Up(context.Background(), topo, nil)
	var sf *StartFailed
	require.True(t, errors.As(err, &sf))
	require.Equal(t, "app", sf.Name)
	require.Equal(t, PhaseReady, partial["db"].Phase)

	b.mu.Lock()
	b.failStart = nil
	b.mu.Unlock()
	running, err := o.Up(context.Background(), topo, partial)
	require.NoError(t, err)
	require.Equal(t, []string{"db", "app", "app"}, b.Starts())
	require.Equal(t, partial["db"].Handle, running["db"].Handle)
	require.Greater(t, running["app"].Seq, running["db"].Seq)
}

func TestUp_NotReadyBlocksDependents(t *testing.T) {
	b := &fakeBackend{}
	p := proberFunc(func(_ context.Context, tg probe.Target) error {
		if tg.Service == "db" {
			return errors.Wrap(probe.ErrNotReady, "connection refused")
		}
		return nil
	})
	o := newOrchestrator(b, p, nil)
	topo := load(t, legacyCrud+`
  mail:
    command: mailhog
`)

	running, err := o.Up(context.Background(), topo, nil)
	require.Error(t, err)

	var nr *ServiceNotReady
	require.True(t, errors.As(err, &nr))
	require.Equal(t, "db", nr.Name)
	require.GreaterOrEqual(t, nr.Elapsed, 200*time.Millisecond)

	var upErr *UpError
	require.True(t, errors.As(err, &upErr))
	require.Equal(t, []string{"app"}, upErr.Skipped)

	require.ElementsMatch(t, []string{"db", "mail"}, b.Starts())
	require.Empty(t, b.Stops(), "db is left running")
	require.Equal(t, PhaseStarting, running["db"].Phase)
	require.False(t, running["db"].Handle.Empty())
	require.Equal(t, PhasePending, running["app"].Phase)
	require.Equal(t, PhaseReady, running["mail"].Phase)
}

func TestUp_ConcurrencyLimit(t *testing.T) {
	b := &fakeBackend{delay: 20 * time.Millisecond}
	o := New(Options{
		Backends:    map[string]Backend{topology.BackendProcess: b},
		Prober:      alwaysReady(),
		Concurrency: 2,
	})
	topo := load(t, `
services:
  a: {command: a}
  b: {command: b}
  c: {command: c}
  d: {command: d}
  e: {command: e}
`)
	_, err := o.Up(context.Background(), topo, nil)
	require.NoError(t, err)
	require.Len(t, b.Starts(), 5)
	require.LessOrEqual(t, b.maxActive, 2)
	require.GreaterOrEqual(t, b.maxActive, 1)
}

func TestUp_CancelTearsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &fakeBackend{onStart: func(name string) {
		if name == "db" {
			cancel()
		}
	}}
	var attempts int
	var sawCancel bool
	var mu sync.Mutex
	p := proberFunc(func(ctx context.Context, _ probe.Target) error {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			sawCancel = true
		}
		attempts++
		if attempts < 3 {
			return probe.ErrNotReady
		}
		return nil
	})
	o := newOrchestrator(b, p, nil)

	running, err := o.Up(ctx, load(t, legacyCrud), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))

	var upErr *UpError
	require.True(t, errors.As(err, &upErr))
	require.Nil(t, upErr.Teardown)
	require.Equal(t, []string{"app"}, upErr.Skipped)

	require.Equal(t, []string{"db"}, b.Starts())
	require.Equal(t, []string{"db"}, b.Stops())
	require.Empty(t, running)
	require.False(t, sawCancel, "readiness runs detached from the caller's cancellation")
}

func TestDown_ReverseOrderBestEffort(t *testing.T) {
	b := &fakeBackend{failStop: map[string]error{"app": errors.New("still running")}}
	o := newOrchestrator(b, alwaysReady(), nil)

	running, err := o.Up(context.Background(), load(t, `
services:
  db: {command: db}
  app: {command: app, depends_on: [db]}
  web: {command: web, depends_on: [app]}
`), nil)
	require.NoError(t, err)

	err = o.Down(context.Background(), running)
	var te *TeardownError
	require.True(t, errors.As(err, &te))
	require.Len(t, te.Failures, 1)
	require.Equal(t, "app", te.Failures[0].Name)

	require.Equal(t, []string{"web", "app", "db"}, b.Stops())
	require.Equal(t, PhaseStopped, running["web"].Phase)
	require.Equal(t, PhaseStopping, running["app"].Phase)
	require.Equal(t, PhaseStopped, running["db"].Phase)

	b.mu.Lock()
	b.failStop = nil
	b.mu.Unlock()
	require.NoError(t, o.Down(context.Background(), running))
	require.Equal(t, []string{"web", "app", "db", "app"}, b.Stops())
}

func TestPlan(t *testing.T) {
	batches, err := Plan(load(t, legacyCrud))
	require.NoError(t, err)
	require.Equal(t, [][]string{{"db"}, {"app"}}, batches)
}

func TestState_RoundTrip(t *testing.T) {
	b := &fakeBackend{}
	o := newOrchestrator(b, alwaysReady(), nil)
	topo := load(t, `
services:
  db:
    command: mysqld
    environment: {MYSQL_ROOT_PASSWORD: root}
    readiness: {tcp: "127.0.0.1:3306"}
`)
	running, err := o.Up(context.Background(), topo, nil)
	require.NoError(t, err)
	running["db"].Handle.Env = map[string]string{"MYSQL_ROOT_PASSWORD": "root"}

	dir := t.TempDir()
	st := state.New("legacy-crud", dir)
	Save(st, running)
	require.NoError(t, state.Save(dir, st))

	loaded, err := state.Load(dir)
	require.NoError(t, err)
	rec, ok := loaded.Service("db")
	require.True(t, ok)
	require.Equal(t, "tcp", rec.ProbeKind)
	require.Equal(t, "127.0.0.1:3306", rec.ProbeTarget)
	require.NotEqual(t, "root", rec.Env["MYSQL_ROOT_PASSWORD"])

	back := FromState(loaded)
	require.Equal(t, PhaseReady, back["db"].Phase)
	require.Equal(t, running["db"].Handle.PID, back["db"].Handle.PID)

	// a restored Ready service is reused without a new start
	_, err = o.Up(context.Background(), topo, back)
	require.NoError(t, err)
	require.Len(t, b.Starts(), 1)
}
