// Package orchestrate brings a service topology up in dependency order and tears it down
// in reverse.
package orchestrate

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/probe"
	"github.com/go-go-golems/stackup/pkg/topology"
)

type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseStarting Phase = "starting"
	PhaseReady    Phase = "ready"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

// Handle identifies what a backend started. Only the fields relevant to the backend are set.
type Handle struct {
	Backend   string
	ID        string
	PID       int
	Image     string
	Command   []string
	Cwd       string
	Env       map[string]string
	StdoutLog string
	StderrLog string
	ExitInfo  string
}

func (h Handle) Empty() bool {
	return h.ID == "" && h.PID == 0
}

type RunningService struct {
	Name      string
	Phase     Phase
	Seq       int
	Handle    Handle
	Artifact  *build.Artifact
	Probe     *topology.Probe
	StartedAt time.Time
	ReadyAt   time.Time
	Err       string
}

// Running maps service names to what the orchestrator knows about them.
type Running map[string]*RunningService

// StartOrder returns the services in ascending start sequence.
func (r Running) StartOrder() []*RunningService {
	out := make([]*RunningService, 0, len(r))
	for _, rs := range r {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Backend starts and stops services on one runtime (host processes or containers).
type Backend interface {
	Name() string
	Start(ctx context.Context, svc *topology.Service, art *build.Artifact) (Handle, error)
	Stop(ctx context.Context, name string, h Handle) error
	Logs(ctx context.Context, h Handle) (io.ReadCloser, error)
}

// LivenessChecker is implemented by backends that can tell whether a previously started
// service is still there. Ready services that are gone are started again.
type LivenessChecker interface {
	Alive(ctx context.Context, h Handle) bool
}

// ArtifactResolver returns the runtime artifact of a service, building it when needed.
// Services without a build reference resolve to nil.
type ArtifactResolver interface {
	Resolve(ctx context.Context, svc *topology.Service) (*build.Artifact, error)
}

type Prober interface {
	Check(ctx context.Context, t probe.Target) error
}
