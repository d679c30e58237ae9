package orchestrate

import (
	"context"
	"io"
	"time"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/go-go-golems/stackup/pkg/probe"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Backends       map[string]Backend
	DefaultBackend string
	Artifacts      ArtifactResolver
	Prober         Prober

	// Concurrency bounds simultaneous starts; zero means no bound.
	Concurrency  int
	ReadyTimeout time.Duration
	PollInterval time.Duration

	Events events.Sink
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.DefaultBackend == "" {
		opts.DefaultBackend = topology.BackendProcess
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = probe.DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = probe.DefaultInterval
	}
	if opts.Prober == nil {
		opts.Prober = probe.NewProber()
	}
	opts.Events = events.OrNop(opts.Events)
	return &Orchestrator{opts: opts}
}

// Plan validates the topology and returns its start batches. Services in one batch may
// start concurrently.
func Plan(topo *topology.Topology) ([][]string, error) {
	if err := topology.Validate(topo); err != nil {
		return nil, err
	}
	return topology.NewGraph(topo).Batches()
}

type result struct {
	rs  *RunningService
	err error
}

// Up starts every service of topo that is not already Ready in existing. A service starts
// only once all of its dependencies are Ready. When a service fails to start or never
// becomes ready, its dependents are not started but unrelated services are.
//
// The returned mapping is always usable for a later Down, even when err is non-nil.
func (o *Orchestrator) Up(ctx context.Context, topo *topology.Topology, existing Running) (Running, error) {
	if err := topology.Validate(topo); err != nil {
		return existing, err
	}
	g := topology.NewGraph(topo)
	order, err := g.Order()
	if err != nil {
		return existing, err
	}
	var problems []string
	for _, name := range order {
		if _, err := o.backendFor(topo.Services[name]); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return existing, &topology.InvalidTopology{Problems: problems}
	}

	pending := map[string]bool{}
	for _, name := range order {
		rs := existing[name]
		if rs != nil && rs.Phase == PhaseReady && o.alive(ctx, rs) {
			continue
		}
		pending[name] = true
	}
	if len(pending) == 0 {
		log.Info().Str("topology", topo.Name).Msg("all services ready")
		return existing, nil
	}

	out := Running{}
	seq := 0
	for name, rs := range existing {
		cp := *rs
		out[name] = &cp
		if rs.Seq > seq {
			seq = rs.Seq
		}
	}
	for _, name := range order {
		if !pending[name] {
			continue
		}
		if rs := out[name]; rs != nil && !rs.Handle.Empty() && rs.Phase != PhaseStopped {
			log.Info().Str("service", name).Str("phase", string(rs.Phase)).Msg("stopping stale service")
			if err := o.stop(ctx, rs); err != nil {
				log.Warn().Err(err).Str("service", name).Msg("stop stale service failed")
			}
		}
		rs := &RunningService{Name: name, Phase: PhasePending, Probe: topo.Services[name].Readiness}
		out[name] = rs
		o.transition(rs)
	}

	limit := o.opts.Concurrency
	if limit <= 0 {
		limit = len(pending)
	}
	eg := &errgroup.Group{}
	eg.SetLimit(limit)
	results := make(chan result, len(pending))
	detached := context.WithoutCancel(ctx)

	upErr := &UpError{}
	dispatched := map[string]bool{}
	blocked := map[string]bool{}
	var started []string
	inflight := 0

	for {
		if ctx.Err() == nil {
			for _, name := range order {
				if inflight >= limit {
					break
				}
				if !pending[name] || dispatched[name] || blocked[name] || !depsReady(g, out, name) {
					continue
				}
				dispatched[name] = true
				started = append(started, name)
				seq++
				rs := out[name]
				rs.Phase = PhaseStarting
				rs.Seq = seq
				o.transition(rs)

				svc := topo.Services[name]
				snapshot := *rs
				inflight++
				eg.Go(func() error {
					r, err := o.start(ctx, detached, svc, snapshot)
					results <- result{rs: r, err: err}
					return nil
				})
			}
		}
		if inflight == 0 {
			break
		}
		r := <-results
		inflight--
		out[r.rs.Name] = r.rs
		o.transition(r.rs)
		if r.err == nil {
			continue
		}
		upErr.Failures = append(upErr.Failures, r.err)
		for _, d := range g.Downstream(r.rs.Name) {
			if pending[d] && !dispatched[d] && !blocked[d] {
				blocked[d] = true
				upErr.Skipped = append(upErr.Skipped, d)
				log.Warn().Str("service", d).Str("dependency", r.rs.Name).Msg("not starting, dependency failed")
			}
		}
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		upErr.Canceled = err
		for _, name := range order {
			if pending[name] && !dispatched[name] && !blocked[name] {
				upErr.Skipped = append(upErr.Skipped, name)
			}
		}
		sub := Running{}
		for _, name := range started {
			sub[name] = out[name]
		}
		log.Warn().Int("services", len(sub)).Msg("up canceled, tearing down")
		if terr := o.Down(detached, sub); terr != nil {
			var te *TeardownError
			if errors.As(terr, &te) {
				upErr.Teardown = te
			}
		}
		for name, rs := range out {
			if pending[name] && (rs.Phase == PhaseStopped || rs.Phase == PhasePending) {
				delete(out, name)
			}
		}
		return out, upErr
	}

	if len(upErr.Failures) > 0 {
		return out, upErr
	}
	log.Info().Str("topology", topo.Name).Int("started", len(started)).Msg("all services ready")
	return out, nil
}

func depsReady(g *topology.Graph, out Running, name string) bool {
	for _, d := range g.Dependencies(name) {
		rs := out[d]
		if rs == nil || rs.Phase != PhaseReady {
			return false
		}
	}
	return true
}

// start runs on a worker. Artifact resolution honors cancellation; the backend start and
// the readiness poll use the detached context so a service is never left half created.
func (o *Orchestrator) start(ctx, detached context.Context, svc *topology.Service, rs RunningService) (*RunningService, error) {
	fail := func(err error) (*RunningService, error) {
		rs.Phase = PhaseStopped
		rs.Err = err.Error()
		return &rs, &StartFailed{Name: rs.Name, Err: err}
	}

	be, err := o.backendFor(svc)
	if err != nil {
		return fail(err)
	}
	var art *build.Artifact
	switch {
	case o.opts.Artifacts != nil:
		art, err = o.opts.Artifacts.Resolve(ctx, svc)
		if err != nil {
			return fail(errors.Wrap(err, "resolve artifact"))
		}
	case svc.Build != nil:
		return fail(errors.New("service has a build but no artifact resolver is configured"))
	}
	rs.Artifact = art

	h, err := be.Start(detached, svc, art)
	if err != nil {
		return fail(err)
	}
	if h.Backend == "" {
		h.Backend = be.Name()
	}
	rs.Handle = h
	rs.StartedAt = time.Now()
	log.Info().Str("service", svc.Name).Str("backend", h.Backend).Int("pid", h.PID).Str("container", h.ID).Msg("service started")

	if svc.Readiness == nil {
		rs.Phase = PhaseReady
		rs.ReadyAt = time.Now()
		return &rs, nil
	}

	timeout := svc.Readiness.Timeout
	if timeout <= 0 {
		timeout = o.opts.ReadyTimeout
	}
	interval := svc.Readiness.Interval
	if interval <= 0 {
		interval = o.opts.PollInterval
	}
	pctx, cancel := context.WithTimeout(detached, timeout)
	defer cancel()

	target := probe.Target{
		Service: svc.Name,
		Probe:   svc.Readiness,
		Logs: func(c context.Context) (io.ReadCloser, error) {
			return be.Logs(c, h)
		},
	}
	err = probe.Poll(pctx, interval, func(c context.Context) error {
		return o.opts.Prober.Check(c, target)
	})
	if err != nil {
		last := err
		var te *probe.TimeoutError
		if errors.As(err, &te) && te.Last != nil {
			last = te.Last
		}
		nr := &ServiceNotReady{Name: svc.Name, Elapsed: time.Since(rs.StartedAt), Last: last}
		rs.Err = nr.Error()
		return &rs, nr
	}
	rs.Phase = PhaseReady
	rs.ReadyAt = time.Now()
	return &rs, nil
}

// Down stops services in reverse start order. It keeps going past failures and reports
// them all in a *TeardownError.
func (o *Orchestrator) Down(ctx context.Context, running Running) error {
	order := running.StartOrder()
	var failures []StopFailure
	for i := len(order) - 1; i >= 0; i-- {
		rs := order[i]
		if rs.Phase == PhaseStopped {
			continue
		}
		if rs.Handle.Empty() {
			rs.Phase = PhaseStopped
			continue
		}
		rs.Phase = PhaseStopping
		o.transition(rs)
		if err := o.stop(ctx, rs); err != nil {
			log.Warn().Err(err).Str("service", rs.Name).Msg("stop failed")
			rs.Err = err.Error()
			failures = append(failures, StopFailure{Name: rs.Name, Err: err})
			continue
		}
		rs.Phase = PhaseStopped
		rs.Err = ""
		o.transition(rs)
	}
	if len(failures) > 0 {
		return &TeardownError{Failures: failures}
	}
	return nil
}

// Logs opens the combined output of a started service.
func (o *Orchestrator) Logs(ctx context.Context, rs *RunningService) (io.ReadCloser, error) {
	if rs == nil || rs.Handle.Empty() {
		return nil, errors.New("service was never started")
	}
	be, ok := o.opts.Backends[rs.Handle.Backend]
	if !ok {
		return nil, errors.Errorf("backend %q is not available", rs.Handle.Backend)
	}
	return be.Logs(ctx, rs.Handle)
}

func (o *Orchestrator) stop(ctx context.Context, rs *RunningService) error {
	be, ok := o.opts.Backends[rs.Handle.Backend]
	if !ok {
		return errors.Errorf("backend %q is not available", rs.Handle.Backend)
	}
	return be.Stop(ctx, rs.Name, rs.Handle)
}

func (o *Orchestrator) alive(ctx context.Context, rs *RunningService) bool {
	be, ok := o.opts.Backends[rs.Handle.Backend]
	if !ok {
		return true
	}
	lc, ok := be.(LivenessChecker)
	if !ok {
		return true
	}
	return lc.Alive(ctx, rs.Handle)
}

func (o *Orchestrator) backendFor(svc *topology.Service) (Backend, error) {
	name := svc.Backend
	if name == "" {
		name = o.opts.DefaultBackend
	}
	be, ok := o.opts.Backends[name]
	if !ok {
		return nil, errors.Errorf("service %s: backend %q is not available", svc.Name, name)
	}
	if name == topology.BackendProcess && len(svc.Argv()) == 0 {
		return nil, errors.Errorf("service %s: the process backend needs a command to run", svc.Name)
	}
	return be, nil
}

func (o *Orchestrator) transition(rs *RunningService) {
	o.opts.Events.Publish(events.TypeServiceState, events.ServiceState{
		Service: rs.Name,
		Phase:   string(rs.Phase),
		Seq:     rs.Seq,
		Error:   rs.Err,
	})
	ev := log.Debug()
	if rs.Err != "" {
		ev = log.Warn().Str("error", rs.Err)
	}
	ev.Str("service", rs.Name).Str("phase", string(rs.Phase)).Int("seq", rs.Seq).Msg("service transition")
}
