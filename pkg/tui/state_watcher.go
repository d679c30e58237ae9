package tui

import (
	"context"
	"os"
	"time"

	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/proc"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
)

// LivenessFunc reports whether a recorded service is still running.
type LivenessFunc func(ctx context.Context, rec state.ServiceRecord) bool

// StateWatcher polls the project's state file and publishes a snapshot per tick, plus a
// service exit event whenever a service seen alive is no longer alive.
type StateWatcher struct {
	ProjectDir string
	Interval   time.Duration
	Events     events.Sink
	// Liveness defaults to a PID check for process services and the recorded phase for
	// everything else.
	Liveness LivenessFunc

	lastAlive map[string]bool
	sampler   *proc.Sampler
}

func (w *StateWatcher) Run(ctx context.Context) error {
	if w.ProjectDir == "" {
		return errors.New("missing ProjectDir")
	}
	if w.Events == nil {
		return errors.New("missing event sink")
	}
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	w.sampler = proc.NewSampler()

	t := time.NewTicker(w.Interval)
	defer t.Stop()

	for {
		w.Poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll takes one snapshot and publishes it.
func (w *StateWatcher) Poll(ctx context.Context) StateSnapshot {
	snap := w.snapshot(ctx)
	w.Events.Publish(events.TypeStateSnapshot, snap)
	return snap
}

func (w *StateWatcher) snapshot(ctx context.Context) StateSnapshot {
	snap := StateSnapshot{ProjectDir: w.ProjectDir, At: time.Now()}

	if _, err := os.Stat(state.StatePath(w.ProjectDir)); err != nil {
		w.lastAlive = nil
		if !os.IsNotExist(err) {
			snap.Exists = true
			snap.Error = errors.Wrap(err, "stat state").Error()
		}
		return snap
	}
	snap.Exists = true

	st, err := state.Load(w.ProjectDir)
	if err != nil {
		w.lastAlive = nil
		snap.Error = err.Error()
		return snap
	}
	snap.State = st

	liveness := w.Liveness
	if liveness == nil {
		liveness = DefaultLiveness
	}
	alive := map[string]bool{}
	stats := map[string]*proc.Stats{}
	var pids []int
	for _, rec := range st.Services {
		alive[rec.Name] = liveness(ctx, rec)
		if !alive[rec.Name] || rec.PID <= 0 {
			continue
		}
		if w.sampler == nil {
			w.sampler = proc.NewSampler()
		}
		if s, err := w.sampler.Group(rec.PID); err == nil {
			stats[rec.Name] = s
			pids = append(pids, rec.PID)
		}
	}
	if w.sampler != nil {
		w.sampler.Forget(pids)
	}

	for _, rec := range st.Services {
		if w.lastAlive[rec.Name] && !alive[rec.Name] {
			w.Events.Publish(events.TypeServiceExit, events.ServiceExit{
				Service:     rec.Name,
				PID:         rec.PID,
				ContainerID: rec.ContainerID,
				At:          time.Now(),
				Reason:      exitReason(rec),
			})
		}
	}
	w.lastAlive = alive

	snap.Alive = alive
	snap.Stats = stats
	return snap
}

func DefaultLiveness(_ context.Context, rec state.ServiceRecord) bool {
	if rec.Backend == "" || rec.Backend == topology.BackendProcess {
		return state.ProcessAlive(rec.PID)
	}
	switch orchestrate.Phase(rec.Phase) {
	case orchestrate.PhaseReady, orchestrate.PhaseStarting:
		return true
	}
	return false
}

func exitReason(rec state.ServiceRecord) string {
	if rec.ExitInfo == "" {
		return "not alive"
	}
	ei, err := state.ReadExitInfo(rec.ExitInfo)
	if err != nil {
		return "not alive"
	}
	return ei.Summary()
}
