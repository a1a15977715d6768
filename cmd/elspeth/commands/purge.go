package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth-sub004/internal/observability"
	"github.com/tachyon-beep/elspeth-sub004/internal/purge"
)

// NewPurgeCommand creates the payload purge command.
func NewPurgeCommand() *cobra.Command {
	var (
		retention time.Duration
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired payload blobs",
		Long: `Delete payload blobs older than the retention period.

Only blob content is removed. Hashes, lineage, and every other audit
record survive; explain keeps working and reports the payload as
purged.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			return executePurge(cobraCmd, retention, dryRun)
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "retention period override (default: purge.retention from settings)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list expired blobs without deleting")

	return cmd
}

func executePurge(cmd *cobra.Command, retention time.Duration, dryRun bool) error {
	ctx := cmd.Context()

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	if retention <= 0 {
		retention = settings.Purge.Retention
	}

	providers, err := initObservability(settings, observability.ModeCLI, isQuiet(cmd))
	if err != nil {
		return err
	}

	defer shutdownProviders(providers)

	db, rec, err := openAudit(ctx, settings, providers.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store := rec.PayloadStore()
	if store == nil {
		return errors.New("no payload store configured: set audit.payload_dir")
	}

	mgr := purge.NewManager(db, store, providers.Logger)

	report, err := mgr.Purge(ctx, retention, dryRun)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	writer := cmd.OutOrStdout()

	if report.DryRun {
		fmt.Fprintf(writer, "dry run: %s older than %s would be deleted\n",
			english.Plural(len(report.Expired), "payload blob", ""), retention)

		for _, hash := range report.Expired {
			fmt.Fprintf(writer, "  %s\n", hash)
		}

		return nil
	}

	fmt.Fprintf(writer, "deleted %s, skipped %d already absent\n",
		english.Plural(report.Deleted, "payload blob", ""), report.Skipped)

	return nil
}
