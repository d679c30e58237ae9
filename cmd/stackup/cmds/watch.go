package cmds

import (
	"context"
	stderrors "errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/stackup/pkg/events"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/tui"
	"github.com/go-go-golems/stackup/pkg/tui/models"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd() *cobra.Command {
	var refresh time.Duration
	var altScreen bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Interactive dashboard of the running stack",
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

			needDocker := false
			if st, err := state.Load(p.Dir); err == nil {
				needDocker = stateNeedsDocker(st)
			}
			backends, err := openBackends(p, needDocker, nil)
			if err != nil {
				return err
			}
			defer backends.Close()

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}
			watcher := &tui.StateWatcher{
				ProjectDir: p.Dir,
				Interval:   refresh,
				Events:     bus,
				Liveness:   backends.liveness(),
			}
			return runDashboard(cmd.Context(), cmd, bus, watcher, altScreen, nil)
		},
	}

	cmd.Flags().DurationVar(&refresh, "refresh", time.Second, "State polling interval")
	cmd.Flags().BoolVar(&altScreen, "alt-screen", true, "Use the terminal alternate screen buffer")
	return cmd
}

// runDashboard shows the dashboard until the user quits or ctx ends. work runs alongside
// once the bus is up and is canceled when the dashboard exits.
func runDashboard(ctx context.Context, cmd *cobra.Command, bus *events.Bus, watcher *tui.StateWatcher, altScreen bool, work func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tui.RegisterDomainToUITransformer(bus)

	programOptions := []tea.ProgramOption{
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	}
	if altScreen {
		programOptions = append(programOptions, tea.WithAltScreen())
	}
	program := tea.NewProgram(models.NewRootModel(), programOptions...)
	tui.RegisterUIForwarder(bus, program)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := bus.Run(egCtx)
		if stderrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		select {
		case <-bus.Running():
		case <-egCtx.Done():
			return nil
		}
		return watcher.Run(egCtx)
	})
	if work != nil {
		eg.Go(func() error {
			select {
			case <-bus.Running():
			case <-egCtx.Done():
			}
			work(egCtx)
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		program.Quit()
		return nil
	})
	eg.Go(func() error {
		_, err := program.Run()
		cancel()
		return err
	})

	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "dashboard")
	}
	return nil
}
