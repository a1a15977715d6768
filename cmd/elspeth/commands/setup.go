// Package commands implements CLI command handlers for elspeth.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth-sub004/internal/config"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/observability"
	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"

	// Register the builtin plugin set.
	_ "github.com/tachyon-beep/elspeth-sub004/internal/plugins/builtin"

	"github.com/tachyon-beep/elspeth-sub004/pkg/version"
)

// loadSettings reads application settings honoring the persistent
// --config flag.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		path = ""
	}

	return config.Load(path)
}

// openAudit opens the audit database and a recorder whose payload
// store follows the settings. An empty payload_dir keeps hashes but
// drops replay capability.
func openAudit(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*landscape.DB, *landscape.Recorder, error) {
	db, err := landscape.Open(ctx, settings.Audit.DSN, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit database: %w", err)
	}

	recOpts := []landscape.RecorderOption{}

	if settings.Audit.PayloadDir != "" {
		storeOpts := []payload.Option{}
		if settings.Audit.Compress {
			storeOpts = append(storeOpts, payload.WithCompression())
		}

		store, err := payload.NewFSStore(settings.Audit.PayloadDir, storeOpts...)
		if err != nil {
			_ = db.Close()

			return nil, nil, fmt.Errorf("open payload store: %w", err)
		}

		recOpts = append(recOpts, landscape.WithPayloadStore(store))
	}

	return db, landscape.NewRecorder(db, recOpts...), nil
}

// loadPlan assembles a pipeline definition and returns its raw
// document for run config hashing.
func loadPlan(path string) (*config.Plan, map[string]any, error) {
	pf, err := config.LoadPipeline(path)
	if err != nil {
		return nil, nil, err
	}

	plan, err := pf.Assemble(plugins.Default)
	if err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read pipeline file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse pipeline file: %w", err)
	}

	return plan, doc, nil
}

// initObservability wires providers from settings plus the standard
// OTEL_EXPORTER environment variables.
func initObservability(settings *config.Settings, mode observability.AppMode, quiet bool) (observability.Providers, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version.Version
	cfg.Mode = mode
	cfg.OTLPEndpoint = settings.Observability.OTLPEndpoint

	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	cfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"

	if mode == observability.ModeMCP {
		cfg.LogJSON = true
	}

	if quiet {
		cfg.LogLevel = slog.LevelWarn
	}

	return observability.Init(cfg)
}

func isQuiet(cmd *cobra.Command) bool {
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return false
	}

	return quiet
}
