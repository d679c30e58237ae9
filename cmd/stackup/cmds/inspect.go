package cmds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/proc"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type inspectedService struct {
	Name        string          `json:"name"`
	Backend     string          `json:"backend"`
	Phase       string          `json:"phase"`
	Seq         int             `json:"seq"`
	Alive       bool            `json:"alive"`
	PID         int             `json:"pid,omitempty"`
	ContainerID string          `json:"container_id,omitempty"`
	Image       string          `json:"image,omitempty"`
	Probe       string          `json:"probe,omitempty"`
	Artifact    string          `json:"artifact_digest,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	ReadyAt     *time.Time      `json:"ready_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Stdout      string          `json:"stdout_log,omitempty"`
	Stderr      string          `json:"stderr_log,omitempty"`
	Stats       *proc.Stats     `json:"stats,omitempty"`
	Exit        *state.ExitInfo `json:"exit,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var tailLines int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the recorded services with liveness, usage and exit details as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			p, err := loadProject(opts, nil, overlay.Patch{})
			if err != nil {
				return err
			}
			if !state.Exists(p.Dir) {
				return errors.Errorf("no stack is up in %s", p.Dir)
			}
			st, err := state.Load(p.Dir)
			if err != nil {
				return err
			}
			backends, err := openBackends(p, stateNeedsDocker(st), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer backends.Close()
			alive := backends.liveness()

			services := make([]inspectedService, 0, len(st.Services))
			for _, rec := range st.Services {
				svc := inspectedService{
					Name:        rec.Name,
					Backend:     rec.Backend,
					Phase:       rec.Phase,
					Seq:         rec.Seq,
					Alive:       alive(cmd.Context(), rec),
					PID:         rec.PID,
					ContainerID: rec.ContainerID,
					Image:       rec.Image,
					Artifact:    rec.ArtifactDigest,
					StartedAt:   rec.StartedAt,
					ReadyAt:     rec.ReadyAt,
					Error:       rec.Error,
					Stdout:      rec.StdoutLog,
					Stderr:      rec.StderrLog,
				}
				if rec.ProbeKind != "" {
					svc.Probe = rec.ProbeKind + " " + rec.ProbeTarget
				}
				if svc.Alive && rec.PID > 0 {
					if stats, err := proc.NewSampler().Group(rec.PID); err == nil {
						svc.Stats = stats
					}
				}
				if !svc.Alive {
					svc.Exit = exitDetails(rec, tailLines)
				}
				services = append(services, svc)
			}

			b, err := json.MarshalIndent(map[string]any{
				"project":    st.Project,
				"run_id":     st.RunID,
				"created_at": st.CreatedAt,
				"updated_at": st.UpdatedAt,
				"services":   services,
			}, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal inspect")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail-lines", 25, "How many stderr lines to include for dead services")
	return cmd
}

// exitDetails reads the exit record of a dead service, trimming its tails to tailLines.
// Without a record the stderr tail is read from the log file instead.
func exitDetails(rec state.ServiceRecord, tailLines int) *state.ExitInfo {
	if rec.ExitInfo != "" {
		if ei, err := state.ReadExitInfo(rec.ExitInfo); err == nil {
			ei.Trim(tailLines)
			if ei.StderrTail == nil && tailLines > 0 && rec.StderrLog != "" {
				if lines, err := state.TailLines(rec.StderrLog, tailLines, 2<<20); err == nil {
					ei.StderrTail = lines
				}
			}
			return ei
		}
	}
	if tailLines <= 0 || rec.StderrLog == "" {
		return nil
	}
	lines, err := state.TailLines(rec.StderrLog, tailLines, 2<<20)
	if err != nil {
		return nil
	}
	return &state.ExitInfo{
		Service:    rec.Name,
		PID:        rec.PID,
		StartedAt:  rec.StartedAt,
		Error:      "no exit record, stderr tail captured at inspect time",
		StderrTail: lines,
	}
}
