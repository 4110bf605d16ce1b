package cmds

import "github.com/spf13/cobra"

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newStatusCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newActionCmd())
	root.AddCommand(newConfigureCmd())
	return nil
}
