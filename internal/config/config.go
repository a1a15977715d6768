// Package config loads application settings through viper and pipeline
// definitions from YAML files. Application settings cover the audit
// database, payload store, checkpointing, purge retention, and the
// diagnostics endpoints; pipeline files declare the node topology the
// engine executes.
package config

import (
	"errors"
	"time"
)

// Settings is the application-level configuration.
// Field tags use mapstructure for viper unmarshalling.
type Settings struct {
	Audit         AuditSettings         `mapstructure:"audit"`
	Checkpoint    CheckpointSettings    `mapstructure:"checkpoint"`
	Purge         PurgeSettings         `mapstructure:"purge"`
	Engine        EngineSettings        `mapstructure:"engine"`
	Observability ObservabilitySettings `mapstructure:"observability"`
}

// AuditSettings locates the audit database and the payload store.
type AuditSettings struct {
	// DSN is the audit database location, e.g. "sqlite://elspeth.db".
	DSN string `mapstructure:"dsn"`
	// PayloadDir is the payload store directory. Empty disables
	// payload persistence: hashes are still recorded, replay is not
	// possible.
	PayloadDir string `mapstructure:"payload_dir"`
	// Compress stores payload blobs lz4-compressed.
	Compress bool `mapstructure:"compress"`
}

// CheckpointSettings tune cursor writes.
type CheckpointSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Trigger  string        `mapstructure:"trigger"`
	Interval time.Duration `mapstructure:"interval"`
}

// PurgeSettings tune payload retention.
type PurgeSettings struct {
	Retention time.Duration `mapstructure:"retention"`
}

// EngineSettings tune the orchestrator.
type EngineSettings struct {
	ErrorSink    string        `mapstructure:"error_sink"`
	MaxPending   int           `mapstructure:"max_pending"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// ObservabilitySettings locate the telemetry endpoints.
type ObservabilitySettings struct {
	OTLPEndpoint    string `mapstructure:"otlp_endpoint"`
	DiagnosticsAddr string `mapstructure:"diagnostics_addr"`
}

// Sentinel errors for settings validation.
var (
	// ErrMissingDSN indicates the audit DSN is empty.
	ErrMissingDSN = errors.New("audit.dsn must be set")
	// ErrInvalidTrigger indicates an unknown checkpoint trigger.
	ErrInvalidTrigger = errors.New("checkpoint.trigger must be every_row, every_batch, or interval")
	// ErrInvalidInterval indicates the interval trigger lacks a positive interval.
	ErrInvalidInterval = errors.New("checkpoint.interval must be positive for the interval trigger")
	// ErrInvalidRetention indicates the purge retention is not positive.
	ErrInvalidRetention = errors.New("purge.retention must be positive")
	// ErrInvalidMaxPending indicates the max pending value is negative.
	ErrInvalidMaxPending = errors.New("engine.max_pending must be non-negative")
	// ErrInvalidFlushTimeout indicates the flush timeout is negative.
	ErrInvalidFlushTimeout = errors.New("engine.flush_timeout must be non-negative")
)

// Validate checks Settings invariants and returns the first error found.
func (s *Settings) Validate() error {
	if s.Audit.DSN == "" {
		return ErrMissingDSN
	}

	switch s.Checkpoint.Trigger {
	case "every_row", "every_batch":
	case "interval":
		if s.Checkpoint.Interval <= 0 {
			return ErrInvalidInterval
		}
	default:
		return ErrInvalidTrigger
	}

	if s.Purge.Retention <= 0 {
		return ErrInvalidRetention
	}

	if s.Engine.MaxPending < 0 {
		return ErrInvalidMaxPending
	}

	if s.Engine.FlushTimeout < 0 {
		return ErrInvalidFlushTimeout
	}

	return nil
}
