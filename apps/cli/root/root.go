package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the roster-sync ops CLI. Subcommands
// (schema, sync, conflicts) are attached here.
var rootCmd = &cobra.Command{
	Use:           "rostersync",
	Short:         "Roster sync ops CLI",
	Long:          "Operational utilities for the roster sync engine (schema bootstrap, sync triggers, conflict review).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
