// Package cmd implements the scapipe command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "scapipe",
	Short: "Software composition analysis pipeline orchestrator",
	Long: `scapipe drives analysis runs through the analyze, advise, scan, evaluate and
report stages. The orchestrator command serves the API and schedules jobs, the
worker command executes the jobs of one stage.

All settings are read from environment variables.`,
	SilenceUsage: true,
}

// ExecuteContext runs the root command. Commands stop when ctx is done.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
