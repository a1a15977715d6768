package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth-sub004/internal/checkpoint"
	"github.com/tachyon-beep/elspeth-sub004/internal/engine"
	"github.com/tachyon-beep/elspeth-sub004/internal/observability"
)

// NewResumeCommand creates the resume command.
func NewResumeCommand() *cobra.Command {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run from its checkpoint",
		Long: `Resume an interrupted run.

The pipeline definition must hash to the same config as the original
run, the node topology upstream of the cursor must be unchanged, and
every sink must support append mode. Unfinished rows are replayed
from the payload store under a new run linked by config hash.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			if pipelinePath == "" {
				return errors.New("pipeline definition required: elspeth resume <run-id> -p pipeline.yaml")
			}

			return executeResume(cobraCmd, args[0], pipelinePath)
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline definition file")

	return cmd
}

func executeResume(cmd *cobra.Command, runID, pipelinePath string) error {
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

	resume, err := checkpoint.PrepareResume(ctx, rec, plan.Graph, runID, doc)
	if err != nil {
		return fmt.Errorf("resume %s: %w", runID, err)
	}

	providers.Logger.Info("resuming run",
		"run_id", runID, "pending_rows", len(resume.Pending))

	orch, err := buildOrchestrator(rec, plan, settings, providers)
	if err != nil {
		return err
	}

	started := time.Now()

	result, runErr := orch.Run(ctx, doc)

	recordRunMetrics(ctx, providers, result)

	var shutdown *engine.GracefulShutdownError
	if errors.As(runErr, &shutdown) {
		printRunSummary(cmd.OutOrStdout(), cmd, result, time.Since(started))

		return runErr
	}

	if runErr != nil {
		return runErr
	}

	printRunSummary(cmd.OutOrStdout(), cmd, result, time.Since(started))

	return nil
}
