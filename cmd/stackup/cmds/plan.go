package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	var sets []string
	var unsets []string
	var compose []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate the topology and print its start batches",
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
			topo, err := p.Topology(cmd.Context())
			if err != nil {
				return err
			}
			batches, err := orchestrate.Plan(topo)
			if err != nil {
				return err
			}
			s := effective(opts, p)

			type planned struct {
				Name      string   `json:"name"`
				Backend   string   `json:"backend"`
				Image     string   `json:"image,omitempty"`
				Build     string   `json:"build,omitempty"`
				DependsOn []string `json:"depends_on,omitempty"`
				Probe     string   `json:"probe,omitempty"`
			}
			var services []planned
			for _, batch := range batches {
				for _, name := range batch {
					svc, _ := topo.Service(name)
					pl := planned{Name: name, Backend: svc.Backend, Image: svc.Image, DependsOn: svc.DependsOn}
					if pl.Backend == "" {
						pl.Backend = s.Backend
					}
					if svc.Build != nil {
						pl.Build = svc.Build.Tag
					}
					if svc.Readiness != nil {
						pl.Probe = svc.Readiness.Kind() + " " + svc.Readiness.Target()
					}
					services = append(services, pl)
				}
			}

			b, err := json.MarshalIndent(map[string]any{
				"project":     topo.Name,
				"source":      p.TopologySource(),
				"concurrency": s.Concurrency,
				"batches":     batches,
				"services":    services,
			}, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal plan")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "Override a topology value (services.NAME.KEY=VALUE), repeatable")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "Remove a topology value by dotted path, repeatable")
	cmd.Flags().StringSliceVar(&compose, "compose", nil, "Import the topology from compose files instead")
	return cmd
}
