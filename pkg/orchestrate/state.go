package orchestrate

import (
	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/state"
	digest "github.com/opencontainers/go-digest"
)

// Record converts a running service to its persisted form. Environment values that look
// like secrets are redacted.
func Record(rs *RunningService) state.ServiceRecord {
	h := rs.Handle
	rec := state.ServiceRecord{
		Name:        rs.Name,
		Backend:     h.Backend,
		Phase:       string(rs.Phase),
		Seq:         rs.Seq,
		PID:         h.PID,
		ContainerID: h.ID,
		Image:       h.Image,
		Command:     h.Command,
		Cwd:         h.Cwd,
		Env:         state.SanitizeEnv(h.Env),
		StdoutLog:   h.StdoutLog,
		StderrLog:   h.StderrLog,
		ExitInfo:    h.ExitInfo,
		StartedAt:   rs.StartedAt,
		Error:       rs.Err,
		ProbeKind:   rs.Probe.Kind(),
	}
	if rs.Probe != nil {
		rec.ProbeTarget = rs.Probe.Target()
	}
	if !rs.ReadyAt.IsZero() {
		t := rs.ReadyAt
		rec.ReadyAt = &t
	}
	if rs.Artifact != nil {
		rec.ArtifactDigest = rs.Artifact.Digest.String()
		rec.ArtifactDir = rs.Artifact.Dir
	}
	return rec
}

// Save replaces the service records of st with r, in start order.
func Save(st *state.State, r Running) {
	st.Services = st.Services[:0]
	for _, rs := range r.StartOrder() {
		st.Services = append(st.Services, Record(rs))
	}
}

// FromState rebuilds the running set from persisted records. Probes are not restored.
func FromState(st *state.State) Running {
	out := Running{}
	if st == nil {
		return out
	}
	for _, rec := range st.Services {
		rs := &RunningService{
			Name:      rec.Name,
			Phase:     Phase(rec.Phase),
			Seq:       rec.Seq,
			Handle:    HandleOf(rec),
			StartedAt: rec.StartedAt,
			Err:       rec.Error,
		}
		if rec.ReadyAt != nil {
			rs.ReadyAt = *rec.ReadyAt
		}
		if rec.ArtifactDir != "" {
			rs.Artifact = &build.Artifact{Dir: rec.ArtifactDir, Digest: digest.Digest(rec.ArtifactDigest)}
		}
		out[rec.Name] = rs
	}
	return out
}

// HandleOf is the backend handle recorded for a service.
func HandleOf(rec state.ServiceRecord) Handle {
	return Handle{
		Backend:   rec.Backend,
		ID:        rec.ContainerID,
		PID:       rec.PID,
		Image:     rec.Image,
		Command:   rec.Command,
		Cwd:       rec.Cwd,
		Env:       rec.Env,
		StdoutLog: rec.StdoutLog,
		StderrLog: rec.StderrLog,
		ExitInfo:  rec.ExitInfo,
	}
}
