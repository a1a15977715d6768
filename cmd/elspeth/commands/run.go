package commands

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth-sub004/internal/checkpoint"
	"github.com/tachyon-beep/elspeth-sub004/internal/coalesce"
	"github.com/tachyon-beep/elspeth-sub004/internal/config"
	"github.com/tachyon-beep/elspeth-sub004/internal/engine"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/observability"
)

// NewRunCommand creates the pipeline run command.
func NewRunCommand() *cobra.Command {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "run [pipeline.yaml]",
		Short: "Execute a pipeline definition",
		Long: `Execute a pipeline definition against the audit database.

Every source row, routing decision, and external call is recorded.
On SIGINT the run finishes the in-flight row, flushes pending work,
writes a resume cursor, and exits with code 3.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				pipelinePath = args[0]
			}

			if pipelinePath == "" {
				return errors.New("pipeline definition required: elspeth run pipeline.yaml")
			}

			return executeRun(cobraCmd, pipelinePath)
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline definition file")

	return cmd
}

func executeRun(cmd *cobra.Command, pipelinePath string) error {
	ctx := cmd.Context()
	quiet := isQuiet(cmd)

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	providers, err := initObservability(settings, observability.ModeCLI, quiet)
	if err != nil {
		return err
	}

	defer shutdownProviders(providers)

	db, rec, err := openAudit(ctx, settings, providers.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	plan, doc, err := loadPlan(pipelinePath)
	if err != nil {
		return err
	}

	diag, err := startDiagnostics(settings, providers)
	if err != nil {
		return err
	}

	if diag != nil {
		defer func() { _ = diag.Close() }()
	}

	orch, err := buildOrchestrator(rec, plan, settings, providers)
	if err != nil {
		return err
	}

	started := time.Now()

	result, runErr := orch.Run(ctx, doc)

	recordRunMetrics(ctx, providers, result)

	var shutdown *engine.GracefulShutdownError
	if errors.As(runErr, &shutdown) {
		providers.Logger.Warn("run interrupted",
			"run_id", shutdown.RunID, "rows_processed", shutdown.RowsProcessed)
		printRunSummary(cmd.OutOrStdout(), cmd, result, time.Since(started))

		return runErr
	}

	if runErr != nil {
		return runErr
	}

	printRunSummary(cmd.OutOrStdout(), cmd, result, time.Since(started))

	return nil
}

// buildOrchestrator assembles the engine from settings: checkpoint
// manager, coalesce points, and runtime limits.
func buildOrchestrator(
	rec *landscape.Recorder,
	plan *config.Plan,
	settings *config.Settings,
	providers observability.Providers,
) (*engine.Orchestrator, error) {
	opts := []engine.Option{}

	if len(plan.Coalesces) > 0 {
		points := make([]*coalesce.Settings, len(plan.Coalesces))
		for i := range plan.Coalesces {
			points[i] = &plan.Coalesces[i]
		}

		opts = append(opts, engine.WithCoalescePoints(points))
	}

	if settings.Checkpoint.Enabled {
		mgr, err := checkpoint.NewManager(rec, plan.Graph, checkpoint.Config{
			Trigger:  checkpoint.Trigger(settings.Checkpoint.Trigger),
			Interval: settings.Checkpoint.Interval,
		}, providers.Logger)
		if err != nil {
			return nil, err
		}

		opts = append(opts, engine.WithCheckpoints(mgr))
	}

	return engine.New(rec, plan.Graph, providers.Logger, engine.Settings{
		ErrorSink:    settings.Engine.ErrorSink,
		MaxPending:   settings.Engine.MaxPending,
		FlushTimeout: settings.Engine.FlushTimeout,
	}, opts...), nil
}

func startDiagnostics(
	settings *config.Settings,
	providers observability.Providers,
) (*observability.DiagnosticsServer, error) {
	if settings.Observability.DiagnosticsAddr == "" {
		return nil, nil
	}

	return observability.NewDiagnosticsServer(settings.Observability.DiagnosticsAddr, providers.Meter)
}

func recordRunMetrics(ctx context.Context, providers observability.Providers, result *engine.RunResult) {
	if result == nil {
		return
	}

	pm, err := observability.NewPipelineMetrics(providers.Meter)
	if err != nil {
		providers.Logger.Warn("pipeline metrics unavailable", "error", err)

		return
	}

	pm.RecordRun(ctx, observability.RunStats{
		Rows: int64(result.RowsProcessed),
	})
}

func printRunSummary(writer io.Writer, cmd *cobra.Command, result *engine.RunResult, elapsed time.Duration) {
	if result == nil || isQuiet(cmd) {
		return
	}

	status := statusSprint(cmd, result.Status)

	t := table.NewWriter()
	t.SetOutputMirror(writer)
	t.AppendHeader(table.Row{"Run", "Status", "Rows", "Succeeded", "Failed", "Elapsed"})
	t.AppendRow(table.Row{
		result.RunID,
		status,
		humanize.Comma(int64(result.RowsProcessed)),
		humanize.Comma(int64(result.RowsSucceeded)),
		humanize.Comma(int64(result.RowsFailed)),
		elapsed.Round(time.Millisecond),
	})
	t.Render()
}

func statusSprint(cmd *cobra.Command, status landscape.RunStatus) string {
	noColor, err := cmd.Flags().GetBool("no-color")
	if err != nil || noColor {
		return string(status)
	}

	switch status {
	case landscape.RunCompleted:
		return color.GreenString(string(status))
	case landscape.RunFailed:
		return color.RedString(string(status))
	case landscape.RunInterrupted:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}

// shutdownProviders flushes telemetry with a bounded wait.
func shutdownProviders(providers observability.Providers) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := providers.Shutdown(ctx); err != nil {
		providers.Logger.Warn("observability shutdown failed", "error", err)
	}
}
