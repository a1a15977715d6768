package purge_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
	"github.com/tachyon-beep/elspeth-sub004/internal/purge"
)

type fixture struct {
	db    *landscape.DB
	store payload.Store
	rec   *landscape.Recorder
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()

	db, err := landscape.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, store: payload.NewMemoryStore(), now: time.Unix(1_700_000_000, 0)}
	f.rec = landscape.NewRecorder(db,
		landscape.WithPayloadStore(f.store),
		landscape.WithClock(func() time.Time { return f.now }))

	return f
}

// beginRun opens a run and registers the source node rows will
// reference.
func beginRun(t *testing.T, f *fixture, pipeline string) string {
	t.Helper()

	ctx := context.Background()

	run, err := f.rec.BeginRun(ctx, map[string]any{"pipeline": pipeline}, landscape.BeginRunParams{})
	require.NoError(t, err)

	_, err = f.rec.RegisterNode(ctx, run.RunID, landscape.RegisterNodeParams{
		NodeID:        "src",
		PluginName:    "test_source",
		NodeType:      landscape.NodeSource,
		PluginVersion: "1.0.0",
		Determinism:   landscape.IORead,
		Config:        map[string]any{"id": "src"},
	})
	require.NoError(t, err)

	return run.RunID
}

// seedRows records two rows older than the retention window and one
// fresh row, returning the payload hashes in the same order.
func seedRows(t *testing.T, f *fixture) []string {
	t.Helper()

	ctx := context.Background()

	runID := beginRun(t, f, "purge")

	old1, err := f.rec.CreateRow(ctx, runID, "src", 0, map[string]any{"id": int64(1)})
	require.NoError(t, err)

	old2, err := f.rec.CreateRow(ctx, runID, "src", 1, map[string]any{"id": int64(2)})
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)

	fresh, err := f.rec.CreateRow(ctx, runID, "src", 2, map[string]any{"id": int64(3)})
	require.NoError(t, err)

	return []string{old1.SourceDataHash, old2.SourceDataHash, fresh.SourceDataHash}
}

func TestFindExpiredPayloadRefsHonorsRetention(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	hashes := seedRows(t, f)

	m := purge.NewManager(f.db, f.store, nil, purge.WithClock(func() time.Time { return f.now }))

	expired, err := m.FindExpiredPayloadRefs(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.ElementsMatch(t, hashes[:2], expired)
}

func TestDryRunDeletesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	hashes := seedRows(t, f)

	m := purge.NewManager(f.db, f.store, nil, purge.WithClock(func() time.Time { return f.now }))

	report, err := m.Purge(context.Background(), 24*time.Hour, true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Len(t, report.Expired, 2)
	assert.Zero(t, report.Deleted)

	for _, h := range hashes {
		assert.True(t, f.store.Exists(h))
	}
}

func TestPurgeDeletesExpiredAndIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	hashes := seedRows(t, f)

	m := purge.NewManager(f.db, f.store, nil, purge.WithClock(func() time.Time { return f.now }))

	report, err := m.Purge(context.Background(), 24*time.Hour, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Deleted)
	assert.Zero(t, report.Skipped)

	assert.False(t, f.store.Exists(hashes[0]))
	assert.False(t, f.store.Exists(hashes[1]))
	assert.True(t, f.store.Exists(hashes[2]), "rows inside the retention window keep their payloads")

	// A second pass finds the same refs but nothing left to delete.
	report, err = m.Purge(context.Background(), 24*time.Hour, false)
	require.NoError(t, err)

	assert.Zero(t, report.Deleted)
	assert.Equal(t, 2, report.Skipped)
}

func TestLineageSurvivesPurge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	runID := beginRun(t, f, "purge-lineage")

	row, err := f.rec.CreateRow(ctx, runID, "src", 0, map[string]any{"id": int64(9)})
	require.NoError(t, err)

	tok, err := f.rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	sinkName := "out"
	_, err = f.rec.RecordTokenOutcome(ctx, runID, tok.TokenID,
		landscape.OutcomeCompleted, landscape.OutcomeParams{SinkName: &sinkName})
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)

	m := purge.NewManager(f.db, f.store, nil, purge.WithClock(func() time.Time { return f.now }))

	report, err := m.Purge(ctx, 24*time.Hour, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Deleted)

	lineage, err := f.rec.ExplainRow(ctx, runID, row.RowID, nil)
	require.NoError(t, err)

	assert.False(t, lineage.PayloadAvailable)
	assert.Equal(t, row.SourceDataHash, lineage.SourceDataHash)
}
