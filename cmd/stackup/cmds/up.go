package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/project"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// minTeardownTimeout bounds how long a foreground up waits for services to stop.
const minTeardownTimeout = 30 * time.Second

func newUpCmd() *cobra.Command {
	var rebuild bool
	var detach bool
	var watch bool
	var sets []string
	var unsets []string
	var compose []string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the topology in dependency order and wait for every service to be ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			patch, err := overlay.ParseAssignments(sets, unsets)
			if err != nil {
				return err
			}
			p, err := loadProject(opts, compose, patch)
			if err != nil {
				return err
			}
			s := effective(opts, p)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			topo, err := p.Topology(ctx)
			if err != nil {
				return err
			}
			st, err := p.State()
			if err != nil {
				return err
			}
			existing := orchestrate.FromState(st)

			backends, err := openBackends(p, topologyNeedsDocker(topo, s.Backend) || stateNeedsDocker(st), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer backends.Close()

			var sink events.Sink = events.Nop
			var bus *events.Bus
			if watch {
				bus, err = events.NewInMemoryBus()
				if err != nil {
					return err
				}
				sink = bus
			}

			buildOutput := cmd.ErrOrStderr()
			if watch {
				buildOutput = io.Discard
			}
			b, closeBuilder, err := newBuilder(ctx, p, builderOptions{Events: sink, Output: buildOutput})
			if err != nil {
				return err
			}
			defer closeBuilder()

			orch := orchestrate.New(orchestrate.Options{
				Backends:       backends.Backends,
				DefaultBackend: s.Backend,
				Artifacts:      &project.Resolver{Builder: b, Store: artifactStore(p), Rebuild: rebuild},
				Concurrency:    s.Concurrency,
				ReadyTimeout:   s.Timeout,
				Events:         sink,
			})

			var running orchestrate.Running
			var upErr error
			bringUp := func(ctx context.Context) {
				running, upErr = orch.Up(ctx, topo, existing)
				if err := persist(p, st, running); err != nil {
					log.Error().Err(err).Msg("save state")
				}
			}

			if watch {
				watcher := &tui.StateWatcher{ProjectDir: p.Dir, Events: bus, Liveness: backends.liveness()}
				// Quitting the dashboard ends a foreground up, so the stack is torn down
				// unless it was detached.
				if err := runDashboard(ctx, cmd, bus, watcher, true, bringUp); err != nil {
					return err
				}
			} else {
				bringUp(ctx)
			}
			if upErr != nil {
				return upErr
			}
			printServices(cmd.OutOrStdout(), running)

			if detach {
				return nil
			}
			if !watch {
				log.Info().Msg("stack is up, press Ctrl-C to tear it down")
				<-ctx.Done()
			}
			return teardown(orch, p, st, running, s.Timeout)
		},
	}

	cmd.Flags().BoolVar(&rebuild, "build", false, "Rebuild artifacts of build services instead of reusing stored ones")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Return once every service is ready and leave the stack running")
	cmd.Flags().BoolVar(&watch, "watch", false, "Show the dashboard while starting; quitting it tears the stack down unless --detach")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Override a topology value (services.NAME.KEY=VALUE), repeatable")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "Remove a topology value by dotted path, repeatable")
	cmd.Flags().StringSliceVar(&compose, "compose", nil, "Import the topology from compose files instead")
	return cmd
}

func teardown(orch *orchestrate.Orchestrator, p *project.Project, st *state.State, running orchestrate.Running, timeout time.Duration) error {
	if timeout < minTeardownTimeout {
		timeout = minTeardownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info().Int("services", len(running)).Msg("tearing down")
	downErr := orch.Down(ctx, running)
	if err := persist(p, st, running); err != nil {
		log.Error().Err(err).Msg("save state")
	}
	return downErr
}

func printServices(w io.Writer, running orchestrate.Running) {
	names := make([]string, 0, len(running))
	for name := range running {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rs := running[name]
		id := rs.Handle.ID
		if id == "" && rs.Handle.PID > 0 {
			id = fmt.Sprintf("pid %d", rs.Handle.PID)
		}
		_, _ = fmt.Fprintf(w, "%-20s %-9s %s\n", name, rs.Phase, id)
	}
}
