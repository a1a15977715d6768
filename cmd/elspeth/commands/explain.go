package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/observability"
)

// NewExplainCommand creates the lineage explain command.
func NewExplainCommand() *cobra.Command {
	var (
		runID    string
		rowID    string
		sinkName string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Reconstruct the lineage of a source row",
		Long: `Reconstruct the full lineage of a source row: the token path it
took through the pipeline, every node state with attempts and
durations, routing decisions, and the terminal outcome.

Rows that forked across branches have one terminal token per sink;
pass --sink to pick which path to follow.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			return executeExplain(cobraCmd, runID, rowID, sinkName, asJSON)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run identifier")
	cmd.Flags().StringVar(&rowID, "row", "", "row identifier")
	cmd.Flags().StringVar(&sinkName, "sink", "", "terminal sink to follow when the row has multiple terminal tokens")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit lineage as JSON")

	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("row")

	return cmd
}

func executeExplain(cmd *cobra.Command, runID, rowID, sinkName string, asJSON bool) error {
	ctx := cmd.Context()

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	providers, err := initObservability(settings, observability.ModeCLI, true)
	if err != nil {
		return err
	}

	defer shutdownProviders(providers)

	db, rec, err := openAudit(ctx, settings, providers.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var sink *string
	if sinkName != "" {
		sink = &sinkName
	}

	lineage, err := rec.ExplainRow(ctx, runID, rowID, sink)
	if err != nil {
		return fmt.Errorf("explain row %s: %w", rowID, err)
	}

	writer := cmd.OutOrStdout()

	if asJSON {
		data, err := json.MarshalIndent(lineage, "", "  ")
		if err != nil {
			return err
		}

		fmt.Fprintln(writer, string(data))

		return nil
	}

	noColor, flagErr := cmd.Flags().GetBool("no-color")
	if flagErr != nil {
		noColor = false
	}

	renderLineage(writer, lineage, noColor)

	return nil
}

func renderLineage(writer io.Writer, lineage *landscape.RowLineage, noColor bool) {
	fmt.Fprintf(writer, "Row %s (index %d) from %s in run %s\n",
		lineage.RowID, lineage.RowIndex, lineage.SourceNodeID, lineage.RunID)
	fmt.Fprintf(writer, "Source hash: %s\n", lineage.SourceDataHash)
	fmt.Fprintf(writer, "Payload: %s\n", payloadLabel(lineage.PayloadAvailable, noColor))

	if lineage.PayloadAvailable {
		if data, err := json.Marshal(lineage.SourceData); err == nil {
			fmt.Fprintf(writer, "Source data: %s\n", data)
		}
	}

	if lineage.Token != nil && lineage.Token.BranchName != nil {
		fmt.Fprintf(writer, "Branch: %s\n", *lineage.Token.BranchName)
	}

	if len(lineage.States) > 0 {
		fmt.Fprintln(writer)
		renderStates(writer, lineage.States)
	}

	if lineage.Outcome != nil {
		fmt.Fprintln(writer)
		renderOutcome(writer, lineage.Outcome, noColor)
	}

	if len(lineage.Siblings) > 1 {
		fmt.Fprintf(writer, "\nRow has %d terminal tokens; rerun with --sink to follow another path:\n",
			len(lineage.Siblings))

		for _, sib := range lineage.Siblings {
			sink := "-"
			if sib.SinkName != nil {
				sink = *sib.SinkName
			}

			fmt.Fprintf(writer, "  %s -> %s (%s)\n", sib.TokenID, sink, sib.Outcome)
		}
	}
}

func renderStates(writer io.Writer, states []landscape.NodeState) {
	t := table.NewWriter()
	t.SetOutputMirror(writer)
	t.AppendHeader(table.Row{"Step", "Node", "Attempt", "Status", "Duration", "Completed"})

	for _, st := range states {
		duration := "-"
		if st.DurationMS != nil {
			duration = (time.Duration(*st.DurationMS * float64(time.Millisecond))).Round(time.Microsecond).String()
		}

		completed := "-"
		if st.CompletedAt != nil {
			completed = humanize.Time(*st.CompletedAt)
		}

		t.AppendRow(table.Row{st.StepIndex, st.NodeID, st.Attempt, string(st.Status), duration, completed})
	}

	t.Render()
}

func renderOutcome(writer io.Writer, outcome *landscape.TokenOutcomeRecord, noColor bool) {
	label := string(outcome.Outcome)
	if !noColor {
		switch outcome.Outcome {
		case landscape.OutcomeCompleted:
			label = color.GreenString(label)
		case landscape.OutcomeFailed:
			label = color.RedString(label)
		default:
		}
	}

	fmt.Fprintf(writer, "Outcome: %s", label)

	if outcome.SinkName != nil {
		fmt.Fprintf(writer, " at sink %s", *outcome.SinkName)
	}

	fmt.Fprintf(writer, " (%s)\n", humanize.Time(outcome.RecordedAt))
}

func payloadLabel(available, noColor bool) string {
	if available {
		if noColor {
			return "available"
		}

		return color.GreenString("available")
	}

	if noColor {
		return "purged or not persisted"
	}

	return color.YellowString("purged or not persisted")
}
