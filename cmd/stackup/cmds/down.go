package cmds

import (
	"fmt"

	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/state"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDownCmd() *cobra.Command {
	var volumes bool
	var removeImages bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop every recorded service in reverse start order",
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
				log.Info().Str("project", p.Name).Msg("nothing to stop")
				return nil
			}
			st, err := state.Load(p.Dir)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var topo *topology.Topology
			if volumes {
				if topo, err = p.Topology(ctx); err != nil {
					log.Warn().Err(err).Msg("cannot load topology, named volumes are kept")
				}
			}
			needDocker := stateNeedsDocker(st) || (topo != nil && topologyNeedsDocker(topo, effective(opts, p).Backend))
			backends, err := openBackends(p, needDocker, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer backends.Close()

			var images []string
			for _, rec := range st.Services {
				if rec.Backend == topology.BackendDocker && rec.Image != "" {
					images = append(images, rec.Image)
				}
			}

			running := orchestrate.FromState(st)
			orch := orchestrate.New(orchestrate.Options{Backends: backends.Backends})
			downErr := orch.Down(ctx, running)
			if err := persist(p, st, running); err != nil {
				return err
			}
			if downErr != nil {
				// Services that failed to stop stay in the state file for the next down.
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning:", downErr)
			}

			if d := backends.Docker; d != nil {
				if removeImages {
					if err := d.RemoveImages(ctx, images); err != nil {
						log.Warn().Err(err).Msg("remove images")
					}
				}
				if topo != nil {
					if err := d.RemoveVolumes(ctx, topo); err != nil {
						log.Warn().Err(err).Msg("remove volumes")
					}
				}
				if downErr == nil {
					if err := d.RemoveNetwork(ctx); err != nil {
						log.Warn().Err(err).Msg("remove network")
					}
				}
			}

			log.Info().Str("project", p.Name).Int("services", len(st.Services)).Msg("down complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&volumes, "volumes", false, "Also remove the named volumes declared by the topology")
	cmd.Flags().BoolVar(&removeImages, "remove-images", false, "Also remove the images of container services")
	return cmd
}
