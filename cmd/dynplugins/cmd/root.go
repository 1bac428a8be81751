// Package cmd provides the CLI commands for the dynplugins tool.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "dynplugins",
	Short:         "Dynamic plugin installer",
	Long:          `Installs a declarative list of dynamic plugins into an installation root before the application starts, converging idempotently on repeated runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext adds all child commands to the root command and runs it.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
