package utils

import "github.com/spf13/cobra"

// DefaultPersistentPreRun runs the root command's PersistentPreRun, so deeply
// nested subcommands still get the global config options parsed.
var DefaultPersistentPreRun = func(cmd *cobra.Command, args []string) {
	root := cmd.Root()
	if root != cmd && root.PersistentPreRun != nil {
		root.PersistentPreRun(root, args)
	}
}
