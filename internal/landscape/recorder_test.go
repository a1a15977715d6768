package landscape_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
)

func openTestDB(t *testing.T) *landscape.DB {
	t.Helper()

	db, err := landscape.Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func newTestRecorder(t *testing.T) *landscape.Recorder {
	t.Helper()

	return landscape.NewRecorder(openTestDB(t), landscape.WithPayloadStore(payload.NewMemoryStore()))
}

func beginRun(t *testing.T, rec *landscape.Recorder) *landscape.Run {
	t.Helper()

	run, err := rec.BeginRun(context.Background(),
		map[string]any{"pipeline": "test"}, landscape.BeginRunParams{})
	require.NoError(t, err)

	return run
}

func registerNode(t *testing.T, rec *landscape.Recorder, runID, nodeID string, nodeType landscape.NodeType, det landscape.Determinism) {
	t.Helper()

	_, err := rec.RegisterNode(context.Background(), runID, landscape.RegisterNodeParams{
		NodeID:        nodeID,
		PluginName:    "test_" + string(nodeType),
		NodeType:      nodeType,
		PluginVersion: "1.0.0",
		Determinism:   det,
		Config:        map[string]any{"id": nodeID},
	})
	require.NoError(t, err)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)

	run := beginRun(t, rec)
	assert.Equal(t, landscape.RunRunning, run.Status)
	assert.NotEmpty(t, run.ConfigHash)
	assert.Equal(t, "cjson-1", run.CanonicalVersion)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	done, err := rec.CompleteRun(ctx, run.RunID, landscape.RunCompleted)
	require.NoError(t, err)
	assert.Equal(t, landscape.RunCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ReproducibilityGrade)
	assert.Equal(t, landscape.FullReproducible, *done.ReproducibilityGrade)
}

func TestCompleteRunRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	var integrity *landscape.AuditIntegrityError

	_, err := rec.CompleteRun(context.Background(), run.RunID, landscape.RunRunning)
	require.ErrorAs(t, err, &integrity)
}

func TestNondeterministicNodeDowngradesGrade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "llm", landscape.NodeTransform, landscape.Nondeterministic)

	grade, err := rec.ComputeReproducibilityGrade(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, landscape.ReplayReproducible, grade)
}

func TestExportStatusIndependentOfRunStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	_, err := rec.CompleteRun(ctx, run.RunID, landscape.RunCompleted)
	require.NoError(t, err)

	msg := "disk full"
	require.NoError(t, rec.SetExportStatus(ctx, run.RunID, landscape.ExportFailed, &msg, nil, nil))

	got, err := rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, landscape.RunCompleted, got.Status)
	require.NotNil(t, got.ExportStatus)
	assert.Equal(t, string(landscape.ExportFailed), *got.ExportStatus)
	require.NotNil(t, got.ExportError)
	assert.Equal(t, msg, *got.ExportError)

	// Completing the export clears the stale error.
	require.NoError(t, rec.SetExportStatus(ctx, run.RunID, landscape.ExportCompleted, nil, nil, nil))

	got, err = rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Nil(t, got.ExportError)
	require.NotNil(t, got.ExportedAt)
}

func TestRowAndTokenCreation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, row.SourceDataHash)
	require.NotNil(t, row.SourceDataRef)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	assert.Equal(t, row.RowID, token.RowID)
}

func TestRowIndexScopedToSourceNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "agg", landscape.NodeAggregation, landscape.Deterministic)

	// Each producing node numbers its rows from zero, so the same index
	// under different nodes must coexist within one run.
	_, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	_, err = rec.CreateRow(ctx, run.RunID, "agg", 0, map[string]any{"count": 1})
	require.NoError(t, err)

	_, err = rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 2})
	require.Error(t, err, "duplicate index under the same node must be rejected")
}

func TestForkRecordsParentOutcomeAtomically(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	parent, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	children, forkGroup, err := rec.ForkToken(ctx, run.RunID, parent.TokenID, row.RowID,
		[]string{"fast", "slow"}, nil)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "fast", *children[0].BranchName)
	assert.Equal(t, "slow", *children[1].BranchName)

	outcome, err := rec.GetTokenOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, landscape.OutcomeForked, outcome.Outcome)
	assert.True(t, outcome.IsTerminal)
	require.NotNil(t, outcome.ForkGroupID)
	assert.Equal(t, forkGroup, *outcome.ForkGroupID)

	parents, err := rec.GetTokenParents(ctx, children[1].TokenID)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, parent.TokenID, parents[0].ParentTokenID)
	assert.Equal(t, 1, parents[0].Ordinal)
}

func TestForkRequiresBranches(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	var integrity *landscape.AuditIntegrityError

	_, _, err := rec.ForkToken(context.Background(), run.RunID, "tok", "row", nil, nil)
	require.ErrorAs(t, err, &integrity)
}

func TestCoalesceRecordsAllParents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	a, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	b, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	merged, err := rec.CoalesceTokens(ctx, run.RunID, []string{a.TokenID, b.TokenID}, row.RowID, nil)
	require.NoError(t, err)
	require.NotNil(t, merged.JoinGroupID)

	parents, err := rec.GetTokenParents(ctx, merged.TokenID)
	require.NoError(t, err)
	require.Len(t, parents, 2)

	for _, parentID := range []string{a.TokenID, b.TokenID} {
		outcome, err := rec.GetTokenOutcome(ctx, parentID)
		require.NoError(t, err)
		require.NotNil(t, outcome)
		assert.Equal(t, landscape.OutcomeCoalesced, outcome.Outcome)
	}
}

func TestExpandToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	parent, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	children, _, err := rec.ExpandToken(ctx, run.RunID, parent.TokenID, row.RowID, 3, nil, true)
	require.NoError(t, err)
	require.Len(t, children, 3)

	outcome, err := rec.GetTokenOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, landscape.OutcomeExpanded, outcome.Outcome)
}

func TestSingleTerminalOutcomeInvariant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	sink := "output"

	_, err = rec.RecordTokenOutcome(ctx, run.RunID, token.TokenID, landscape.OutcomeCompleted,
		landscape.OutcomeParams{SinkName: &sink})
	require.NoError(t, err)

	var integrity *landscape.AuditIntegrityError

	_, err = rec.RecordTokenOutcome(ctx, run.RunID, token.TokenID, landscape.OutcomeCompleted,
		landscape.OutcomeParams{SinkName: &sink})
	require.ErrorAs(t, err, &integrity)
}

func TestBufferedThenTerminalOutcomeAllowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "agg", landscape.NodeAggregation, landscape.Deterministic)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	batch, err := rec.CreateBatch(ctx, run.RunID, "agg", 0)
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, run.RunID, token.TokenID, landscape.OutcomeBuffered,
		landscape.OutcomeParams{BatchID: &batch.BatchID})
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, run.RunID, token.TokenID, landscape.OutcomeConsumedInBatch,
		landscape.OutcomeParams{BatchID: &batch.BatchID})
	require.NoError(t, err)
}

func TestOutcomeFieldValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	cases := []struct {
		name    string
		outcome landscape.TokenOutcome
	}{
		{"completed needs sink", landscape.OutcomeCompleted},
		{"routed needs sink", landscape.OutcomeRouted},
		{"failed needs error hash", landscape.OutcomeFailed},
		{"buffered needs batch", landscape.OutcomeBuffered},
		{"coalesced needs join group", landscape.OutcomeCoalesced},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var integrity *landscape.AuditIntegrityError

			_, err := rec.RecordTokenOutcome(ctx, run.RunID, "tok", tc.outcome, landscape.OutcomeParams{})
			require.ErrorAs(t, err, &integrity)
		})
	}
}

func TestNodeStateLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "upper", landscape.NodeTransform, landscape.Deterministic)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	state, err := rec.BeginNodeState(ctx, run.RunID, token.TokenID, "upper", 0, 0,
		map[string]any{"id": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, landscape.StateOpen, state.Status)
	assert.NotEmpty(t, state.InputHash)

	err = rec.CompleteNodeState(ctx, state.StateID, map[string]any{"id": 1, "up": true}, nil, nil)
	require.NoError(t, err)

	states, err := rec.GetNodeStatesForToken(ctx, token.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, landscape.StateCompleted, states[0].Status)
	require.NotNil(t, states[0].OutputHash)
	require.NotNil(t, states[0].CompletedAt)
	require.NotNil(t, states[0].DurationMS)

	// Double close is an integrity violation.
	var integrity *landscape.AuditIntegrityError

	err = rec.CompleteNodeState(ctx, state.StateID, map[string]any{}, nil, nil)
	require.ErrorAs(t, err, &integrity)
}

func TestFailNodeStateStoresErrorDetails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "upper", landscape.NodeTransform, landscape.Deterministic)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	state, err := rec.BeginNodeState(ctx, run.RunID, token.TokenID, "upper", 0, 0,
		map[string]any{"id": 1}, nil)
	require.NoError(t, err)

	err = rec.FailNodeState(ctx, state.StateID, map[string]any{"message": "boom"})
	require.NoError(t, err)

	states, err := rec.GetNodeStatesForToken(ctx, token.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, landscape.StateFailed, states[0].Status)
	assert.Nil(t, states[0].OutputHash)
	require.NotNil(t, states[0].ErrorJSON)
	assert.Contains(t, *states[0].ErrorJSON, "boom")
}

func TestCallIndexAllocationSeedsFromDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	rec := landscape.NewRecorder(db)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "http", landscape.NodeTransform, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	state, err := rec.BeginNodeState(ctx, run.RunID, token.TokenID, "http", 0, 0,
		map[string]any{"id": 1}, nil)
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		idx, err := rec.AllocateCallIndex(ctx, state.StateID)
		require.NoError(t, err)
		assert.Equal(t, want, idx)

		_, err = rec.RecordCall(ctx, state.StateID, idx, landscape.CallHTTP, landscape.CallSuccess,
			landscape.CallParams{Request: map[string]any{"n": idx}})
		require.NoError(t, err)
	}

	// A fresh recorder over the same database must continue, not restart.
	rec2 := landscape.NewRecorder(db)

	idx, err := rec2.AllocateCallIndex(ctx, state.StateID)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
}

func TestOperationLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	op, err := rec.BeginOperation(ctx, run.RunID, "source", landscape.OpSourceLoad, nil)
	require.NoError(t, err)
	assert.Equal(t, "open", op.Status)

	idx, err := rec.AllocateOperationCallIndex(ctx, op.OperationID)
	require.NoError(t, err)

	_, err = rec.RecordOperationCall(ctx, op.OperationID, idx, landscape.CallFilesystem,
		landscape.CallSuccess, landscape.CallParams{Request: map[string]any{"path": "in.csv"}})
	require.NoError(t, err)

	require.NoError(t, rec.CompleteOperation(ctx, op.OperationID, "completed", nil, nil, nil))

	// Completing twice is an integrity violation.
	var integrity *landscape.AuditIntegrityError

	err = rec.CompleteOperation(ctx, op.OperationID, "completed", nil, nil, nil)
	require.ErrorAs(t, err, &integrity)
}

func TestBatchLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "agg", landscape.NodeAggregation, landscape.Deterministic)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	batch, err := rec.CreateBatch(ctx, run.RunID, "agg", 0)
	require.NoError(t, err)
	assert.Equal(t, landscape.BatchDraft, batch.Status)

	require.NoError(t, rec.AddBatchMember(ctx, batch.BatchID, token.TokenID, 0))

	state, err := rec.BeginNodeState(ctx, run.RunID, token.TokenID, "agg", 1, 0,
		map[string]any{"id": 1}, nil)
	require.NoError(t, err)

	require.NoError(t, rec.BeginBatchExecution(ctx, batch.BatchID, state.StateID, "count", "size>=1"))
	require.NoError(t, rec.CompleteBatch(ctx, batch.BatchID, landscape.BatchCompleted))

	got, err := rec.GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, landscape.BatchCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	members, err := rec.GetBatchMembers(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Len(t, members, 1)

	// Draft-only transition: a completed batch cannot re-execute.
	var integrity *landscape.AuditIntegrityError

	err = rec.BeginBatchExecution(ctx, batch.BatchID, state.StateID, "count", "again")
	require.ErrorAs(t, err, &integrity)
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	none, err := rec.LatestCheckpoint(ctx, run.RunID)
	require.NoError(t, err)
	assert.Nil(t, none)

	for seq := int64(1); seq <= 3; seq++ {
		err := rec.RecordCheckpoint(ctx, &landscape.Checkpoint{
			RunID:                   run.RunID,
			TokenID:                 token.TokenID,
			NodeID:                  "source",
			SequenceNumber:          seq,
			UpstreamTopologyHash:    "topo",
			CheckpointNodeConfigSum: "cfg",
		})
		require.NoError(t, err)
	}

	latest, err := rec.LatestCheckpoint(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(3), latest.SequenceNumber)

	pruned, err := rec.PruneCheckpoints(ctx, run.RunID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
}

func TestExplainRowAmbiguity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	a, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	b, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	sinkA, sinkB := "alpha", "beta"

	_, err = rec.RecordTokenOutcome(ctx, run.RunID, a.TokenID, landscape.OutcomeCompleted,
		landscape.OutcomeParams{SinkName: &sinkA})
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, run.RunID, b.TokenID, landscape.OutcomeCompleted,
		landscape.OutcomeParams{SinkName: &sinkB})
	require.NoError(t, err)

	_, err = rec.ExplainRow(ctx, run.RunID, row.RowID, nil)
	require.ErrorIs(t, err, landscape.ErrAmbiguousLineage)

	lineage, err := rec.ExplainRow(ctx, run.RunID, row.RowID, &sinkB)
	require.NoError(t, err)
	require.NotNil(t, lineage.Outcome)
	assert.Equal(t, b.TokenID, lineage.Outcome.TokenID)
	assert.True(t, lineage.PayloadAvailable)
	assert.Equal(t, 1, int(lineage.SourceData["id"].(float64)))
}

func TestExplainRowSurvivesPurgedPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := payload.NewMemoryStore()
	rec := landscape.NewRecorder(openTestDB(t), landscape.WithPayloadStore(store))
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	sink := "out"

	_, err = rec.RecordTokenOutcome(ctx, run.RunID, token.TokenID, landscape.OutcomeCompleted,
		landscape.OutcomeParams{SinkName: &sink})
	require.NoError(t, err)

	_, err = store.Delete(*row.SourceDataRef)
	require.NoError(t, err)

	lineage, err := rec.ExplainRow(ctx, run.RunID, row.RowID, nil)
	require.NoError(t, err)
	assert.False(t, lineage.PayloadAvailable)
	assert.Nil(t, lineage.SourceData)
	assert.Equal(t, row.SourceDataHash, lineage.SourceDataHash)
}

func TestExplainRowWrongRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)
	other := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	_, err = rec.ExplainRow(ctx, other.RunID, row.RowID, nil)
	require.ErrorIs(t, err, landscape.ErrRowNotFound)
}

func TestRoutingEventsShareGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "gate", landscape.NodeGate, landscape.Deterministic)
	registerNode(t, rec, run.RunID, "a", landscape.NodeSink, landscape.IOWrite)
	registerNode(t, rec, run.RunID, "b", landscape.NodeSink, landscape.IOWrite)

	edgeA, err := rec.RegisterEdge(ctx, run.RunID, "gate", "a", "above", landscape.ModeMove)
	require.NoError(t, err)

	edgeB, err := rec.RegisterEdge(ctx, run.RunID, "gate", "b", "below", landscape.ModeCopy)
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	state, err := rec.BeginNodeState(ctx, run.RunID, token.TokenID, "gate", 0, 0,
		map[string]any{"id": 1}, nil)
	require.NoError(t, err)

	group, err := rec.RecordRoutingEvents(ctx, state.StateID, []landscape.RoutedEdge{
		{EdgeID: edgeA.EdgeID, Mode: landscape.ModeMove, Reason: map[string]any{"why": "above"}},
		{EdgeID: edgeB.EdgeID, Mode: landscape.ModeCopy},
	})
	require.NoError(t, err)

	events, err := rec.GetRoutingEvents(ctx, state.StateID)
	require.NoError(t, err)
	require.Len(t, events, 2)

	for i, ev := range events {
		assert.Equal(t, group, ev.RoutingGroupID)
		assert.Equal(t, i, ev.Ordinal)
	}

	require.NotNil(t, events[0].ReasonHash)
	assert.Nil(t, events[1].ReasonHash)
}

func TestValidationAndTransformErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newTestRecorder(t)
	run := beginRun(t, rec)

	registerNode(t, rec, run.RunID, "source", landscape.NodeSource, landscape.IORead)
	registerNode(t, rec, run.RunID, "upper", landscape.NodeTransform, landscape.Deterministic)

	nodeID := "source"

	err := rec.RecordValidationError(ctx, &landscape.ValidationErrorRecord{
		RunID:       run.RunID,
		NodeID:      &nodeID,
		RowHash:     "abc",
		Error:       "missing field id",
		SchemaMode:  "fixed",
		Destination: "discard",
	})
	require.NoError(t, err)

	row, err := rec.CreateRow(ctx, run.RunID, "source", 0, map[string]any{"id": 1})
	require.NoError(t, err)

	token, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	err = rec.RecordTransformError(ctx, &landscape.TransformErrorRecord{
		RunID:       run.RunID,
		TokenID:     token.TokenID,
		TransformID: "upper",
		RowHash:     row.SourceDataHash,
		Destination: "quarantine",
	})
	require.NoError(t, err)

	vErrs, err := rec.GetValidationErrors(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, vErrs, 1)

	tErrs, err := rec.GetTransformErrors(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, tErrs, 1)
}

func TestParseEnumsRejectUnknown(t *testing.T) {
	t.Parallel()

	var integrity *landscape.AuditIntegrityError

	_, err := landscape.ParseRunStatus("paused")
	require.ErrorAs(t, err, &integrity)

	_, err = landscape.ParseTokenOutcome("vanished")
	require.ErrorAs(t, err, &integrity)

	_, err = landscape.ParseEdgeMode("teleport")
	require.ErrorAs(t, err, &integrity)
}

func TestTerminalOutcomeClassification(t *testing.T) {
	t.Parallel()

	assert.False(t, landscape.OutcomeBuffered.IsTerminal())
	assert.False(t, landscape.OutcomeConsumedInBatch.IsTerminal())
	assert.True(t, landscape.OutcomeCompleted.IsTerminal())
	assert.True(t, landscape.OutcomeForked.IsTerminal())
	assert.True(t, landscape.OutcomeQuarantined.IsTerminal())
}
