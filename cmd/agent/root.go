package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agent",
		Short:        "corelink agent: connect to a relay and share capabilities with peers",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newRunCmd(),
		newConsoleCmd(),
		newMigrateCmd(),
		newTokenCmd(),
	)
	return rootCmd
}
