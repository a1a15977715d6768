// Package main provides the entry point for the elspeth CLI tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth-sub004/cmd/elspeth/commands"
	"github.com/tachyon-beep/elspeth-sub004/internal/engine"
	"github.com/tachyon-beep/elspeth-sub004/pkg/version"
)

// exitInterrupted is returned when a run is stopped by a signal but
// shuts down cleanly with a resumable checkpoint.
const exitInterrupted = 3

func main() {
	rootCmd := &cobra.Command{
		Use:   "elspeth",
		Short: "Elspeth - auditable Sense/Decide/Act pipeline engine",
		Long: `Elspeth runs auditable data pipelines: every row, routing decision,
and external call is recorded in a queryable audit database.

Commands:
  run       Execute a pipeline definition
  resume    Resume an interrupted run from its checkpoint
  explain   Reconstruct the lineage of a source row
  purge     Delete expired payload blobs
  mcp       Serve the audit trail over the Model Context Protocol`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "settings file (default: .elspeth.yaml)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewResumeCommand())
	rootCmd.AddCommand(commands.NewExplainCommand())
	rootCmd.AddCommand(commands.NewPurgeCommand())
	rootCmd.AddCommand(commands.NewMCPCommand())
	rootCmd.AddCommand(versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		var shutdown *engine.GracefulShutdownError
		if errors.As(err, &shutdown) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(exitInterrupted)
		}

		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "elspeth %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
