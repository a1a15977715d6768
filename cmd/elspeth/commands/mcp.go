package commands

import (
	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth-sub004/internal/mcp"
	"github.com/tachyon-beep/elspeth-sub004/internal/observability"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the audit trail over the Model Context Protocol",
		Long: `Start a read-only Model Context Protocol (MCP) server on stdio
transport. AI agents can discover and invoke:
  - elspeth_list_runs:   list runs, optionally filtered by status
  - elspeth_get_run:     fetch one run's audit record
  - elspeth_explain_row: reconstruct a source row's lineage

The server never mutates the audit database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          executeMCP,
	}

	return cmd
}

func executeMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	providers, err := initObservability(settings, observability.ModeMCP, isQuiet(cmd))
	if err != nil {
		return err
	}

	defer shutdownProviders(providers)

	db, rec, err := openAudit(ctx, settings, providers.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Recorder: rec,
		Logger:   providers.Logger,
		Metrics:  red,
		Tracer:   providers.Tracer,
	})

	providers.Logger.Info("mcp server listening on stdio",
		"tools", srv.ListToolNames())

	return srv.Run(ctx)
}
