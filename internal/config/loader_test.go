package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub004/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	settings, err := config.Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultAuditDSN, settings.Audit.DSN)
	assert.Equal(t, config.DefaultCheckpointTrigger, settings.Checkpoint.Trigger)
	assert.True(t, settings.Checkpoint.Enabled)
	assert.Equal(t, config.DefaultPurgeRetention, settings.Purge.Retention)
	assert.Equal(t, config.DefaultMaxPending, settings.Engine.MaxPending)
	assert.Equal(t, config.DefaultFlushTimeout, settings.Engine.FlushTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "settings.yaml", `
audit:
  dsn: sqlite:///var/lib/elspeth/audit.db
  payload_dir: /var/lib/elspeth/payloads
  compress: true
checkpoint:
  trigger: interval
  interval: 30s
purge:
  retention: 168h
engine:
  error_sink: quarantine
  max_pending: 16
`)

	settings, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite:///var/lib/elspeth/audit.db", settings.Audit.DSN)
	assert.True(t, settings.Audit.Compress)
	assert.Equal(t, "interval", settings.Checkpoint.Trigger)
	assert.Equal(t, 30*time.Second, settings.Checkpoint.Interval)
	assert.Equal(t, 7*24*time.Hour, settings.Purge.Retention)
	assert.Equal(t, "quarantine", settings.Engine.ErrorSink)
	assert.Equal(t, 16, settings.Engine.MaxPending)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ELSPETH_AUDIT_DSN", "sqlite:///tmp/override.db")
	t.Setenv("ELSPETH_ENGINE_ERROR_SINK", "dead_letter")

	settings, err := config.Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)

	assert.Equal(t, "sqlite:///tmp/override.db", settings.Audit.DSN)
	assert.Equal(t, "dead_letter", settings.Engine.ErrorSink)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "unknown trigger",
			content: "checkpoint:\n  trigger: hourly\n",
			wantErr: config.ErrInvalidTrigger,
		},
		{
			name:    "interval trigger without interval",
			content: "checkpoint:\n  trigger: interval\n",
			wantErr: config.ErrInvalidInterval,
		},
		{
			name:    "negative max pending",
			content: "engine:\n  max_pending: -1\n",
			wantErr: config.ErrInvalidMaxPending,
		},
		{
			name:    "zero retention",
			content: "purge:\n  retention: 0s\n",
			wantErr: config.ErrInvalidRetention,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, "bad.yaml", tt.content))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
