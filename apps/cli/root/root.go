package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the EverAfter platform CLI. Subcommands
// (migrate, seed, diagnose, rls) are attached here.
var rootCmd = &cobra.Command{
	Use:           "everafter",
	Short:         "EverAfter platform CLI",
	Long:          "Administrative utilities for the EverAfter platform (schema migrations, seed data, schema diagnostics, row security checks).",
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
