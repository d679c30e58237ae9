package cmds

import (
	"github.com/spf13/cobra"
)

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newBuildCmd())
	root.AddCommand(newPlanCmd())

	root.AddCommand(newUpCmd())
	root.AddCommand(newDownCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newWrapServiceCmd())
	return nil
}
