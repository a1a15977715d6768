package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub004/internal/coalesce"
	"github.com/tachyon-beep/elspeth-sub004/internal/engine"
	"github.com/tachyon-beep/elspeth-sub004/internal/graph"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins/builtin"
)

func newRecorder(t *testing.T) *landscape.Recorder {
	t.Helper()

	ctx := context.Background()

	db, err := landscape.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return landscape.NewRecorder(db, landscape.WithPayloadStore(payload.NewMemoryStore()))
}

// transformFunc adapts a function to the transform contract.
type transformFunc func(row plugins.Row) (*plugins.TransformResult, error)

func (f transformFunc) Process(_ context.Context, _ *plugins.Context, row plugins.Row) (*plugins.TransformResult, error) {
	return f(row)
}

func doubler() plugins.Transform {
	return transformFunc(func(row plugins.Row) (*plugins.TransformResult, error) {
		out := plugins.CloneRow(row)
		out["doubled"] = row["value"].(int64) * 2

		return plugins.Success(out), nil
	})
}

func setField(name string, value any) plugins.Transform {
	return transformFunc(func(row plugins.Row) (*plugins.TransformResult, error) {
		out := plugins.CloneRow(row)
		out[name] = value

		return plugins.Success(out), nil
	})
}

func expressionGate(t *testing.T, config map[string]any) plugins.Gate {
	t.Helper()

	entry, err := plugins.Default.GateEntry("expression")
	require.NoError(t, err)

	gate, err := entry.New(config)
	require.NoError(t, err)

	return gate
}

func sourceRows(n int) []plugins.Row {
	rows := make([]plugins.Row, n)
	for i := range rows {
		rows[i] = plugins.Row{"id": int64(i + 1), "value": int64(i + 1)}
	}

	return rows
}

func TestLinearPipelineDoublesEveryRow(t *testing.T) {
	t.Parallel()

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance:   builtin.NewMemorySource(sourceRows(3), nil, "continue"),
		},
		Transforms: []graph.TransformSpec{{
			ID:         "double",
			PluginName: "double",
			Instance:   doubler(),
		}},
		Sinks:       []graph.SinkSpec{{ID: "out", PluginName: "memory", Instance: sink}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	o := engine.New(rec, g, nil, engine.Settings{})

	result, err := o.Run(context.Background(), map[string]any{"pipeline": "linear"})
	require.NoError(t, err)

	assert.Equal(t, landscape.RunCompleted, result.Status)
	assert.Equal(t, 3, result.RowsProcessed)
	assert.Equal(t, 3, result.RowsSucceeded)
	assert.Equal(t, 0, result.RowsFailed)

	rows := sink.Rows()
	require.Len(t, rows, 3)

	for i, row := range rows {
		assert.Equal(t, int64(2*(i+1)), row["doubled"])
	}

	run, err := rec.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, landscape.RunCompleted, run.Status)
	require.NotNil(t, run.ReproducibilityGrade)
}

func TestGateRoutesHighValuesToNamedSink(t *testing.T) {
	t.Parallel()

	rec := newRecorder(t)
	defaultSink := builtin.NewMemorySink()
	highSink := builtin.NewMemorySink()

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance:   builtin.NewMemorySource(sourceRows(3), nil, "continue"),
		},
		Gates: []graph.GateSpec{{
			ID:         "threshold",
			PluginName: "expression",
			Instance: expressionGate(t, map[string]any{
				"condition": "row.value > 1",
				"on_true":   "route_to:high",
				"on_false":  "continue",
			}),
			Routes: map[string]string{"high": "high_out"},
		}},
		Sinks: []graph.SinkSpec{
			{ID: "out", PluginName: "memory", Instance: defaultSink},
			{ID: "high_out", PluginName: "memory", Instance: highSink},
		},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	result, err := engine.New(rec, g, nil, engine.Settings{}).
		Run(context.Background(), map[string]any{"pipeline": "gate"})
	require.NoError(t, err)

	assert.Equal(t, landscape.RunCompleted, result.Status)
	assert.Equal(t, 3, result.RowsSucceeded)

	require.Len(t, defaultSink.Rows(), 1)
	assert.Equal(t, int64(1), defaultSink.Rows()[0]["id"])

	require.Len(t, highSink.Rows(), 2)
}

func TestForkCoalesceRequireAllMergesBranches(t *testing.T) {
	t.Parallel()

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()
	ctx := context.Background()

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance: builtin.NewMemorySource(
				[]plugins.Row{{"id": int64(1), "value": int64(10)}}, nil, "continue"),
		},
		Gates: []graph.GateSpec{{
			ID:         "split",
			PluginName: "expression",
			Instance: expressionGate(t, map[string]any{
				"condition": "row.value > 0",
				"on_true":   "fork_to:path_a,path_b",
				"on_false":  "reject",
			}),
			Routes: map[string]string{"path_a": "add_a", "path_b": "add_b"},
		}},
		Branches: []graph.TransformSpec{
			{ID: "add_a", PluginName: "set_field", Instance: setField("a_result", "A"), Downstream: "join"},
			{ID: "add_b", PluginName: "set_field", Instance: setField("b_result", "B"), Downstream: "join"},
		},
		Coalesces:   []graph.CoalesceSpec{{Name: "join", Branches: []string{"path_a", "path_b"}}},
		Sinks:       []graph.SinkSpec{{ID: "out", PluginName: "memory", Instance: sink}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	o := engine.New(rec, g, nil, engine.Settings{}, engine.WithCoalescePoints([]*coalesce.Settings{{
		Name:     "join",
		NodeID:   "join",
		Branches: []string{"path_a", "path_b"},
		Policy:   coalesce.RequireAll,
		Merge:    coalesce.Union,
	}}))

	result, err := o.Run(ctx, map[string]any{"pipeline": "fork-coalesce"})
	require.NoError(t, err)

	assert.Equal(t, landscape.RunCompleted, result.Status)
	assert.Equal(t, 1, result.RowsSucceeded)

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0]["a_result"])
	assert.Equal(t, "B", rows[0]["b_result"])

	// One source token, two fork children, one merged token.
	dbRows, err := rec.GetRows(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, dbRows, 1)

	toks, err := rec.GetTokensForRow(ctx, dbRows[0].RowID)
	require.NoError(t, err)
	require.Len(t, toks, 4)

	for _, tok := range toks {
		outcome, err := rec.GetTokenOutcome(ctx, tok.TokenID)
		require.NoError(t, err)
		require.NotNil(t, outcome, "token %s has no outcome", tok.TokenID)
	}
}

func TestQuorumNotMetFailsConsumedTokens(t *testing.T) {
	t.Parallel()

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()
	ctx := context.Background()

	failing := transformFunc(func(plugins.Row) (*plugins.TransformResult, error) {
		return plugins.Errorf(map[string]any{"error": "branch_c_down"}), nil
	})

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance: builtin.NewMemorySource(
				[]plugins.Row{{"id": int64(1), "value": int64(10)}}, nil, "continue"),
		},
		Gates: []graph.GateSpec{{
			ID:         "split",
			PluginName: "expression",
			Instance: expressionGate(t, map[string]any{
				"condition": "row.value > 0",
				"on_true":   "fork_to:path_a,path_b,path_c",
				"on_false":  "reject",
			}),
			Routes: map[string]string{"path_a": "add_a", "path_b": "add_b", "path_c": "add_c"},
		}},
		Branches: []graph.TransformSpec{
			{ID: "add_a", PluginName: "set_field", Instance: setField("a_result", "A"), Downstream: "join"},
			{ID: "add_b", PluginName: "set_field", Instance: setField("b_result", "B"), Downstream: "join"},
			{ID: "add_c", PluginName: "failing", Instance: failing, Downstream: "join"},
		},
		Coalesces: []graph.CoalesceSpec{{
			Name: "join", Branches: []string{"path_a", "path_b", "path_c"},
		}},
		Sinks:       []graph.SinkSpec{{ID: "out", PluginName: "memory", Instance: sink}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	o := engine.New(rec, g, nil, engine.Settings{}, engine.WithCoalescePoints([]*coalesce.Settings{{
		Name:        "join",
		NodeID:      "join",
		Branches:    []string{"path_a", "path_b", "path_c"},
		Policy:      coalesce.Quorum,
		QuorumCount: 3,
		Merge:       coalesce.Union,
	}}))

	result, err := o.Run(ctx, map[string]any{"pipeline": "quorum"})
	require.NoError(t, err)

	assert.Equal(t, landscape.RunCompleted, result.Status)
	assert.Equal(t, 1, result.RowsFailed)
	assert.Empty(t, sink.Rows())

	dbRows, err := rec.GetRows(ctx, result.RunID)
	require.NoError(t, err)

	outcomes, err := rec.GetTokenOutcomesForRow(ctx, result.RunID, dbRows[0].RowID)
	require.NoError(t, err)

	quorumFailures := 0

	for _, oc := range outcomes {
		if oc.Outcome != landscape.OutcomeFailed || oc.ContextJSON == nil {
			continue
		}

		var details map[string]any
		require.NoError(t, json.Unmarshal([]byte(*oc.ContextJSON), &details))

		if details["reason"] == coalesce.ReasonQuorumNotMet {
			quorumFailures++
		}
	}

	assert.Equal(t, 2, quorumFailures)
}

func TestBatchTransformRetriesAndPreservesOrder(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	t.Cleanup(server.Close)

	entry, err := plugins.Default.BatchTransformEntry("http")
	require.NoError(t, err)

	transform, err := entry.New(map[string]any{
		"url":       server.URL,
		"pool_size": 2,
	})
	require.NoError(t, err)

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance:   builtin.NewMemorySource(sourceRows(3), nil, "continue"),
		},
		Transforms: []graph.TransformSpec{{
			ID:         "enrich",
			PluginName: "http",
			Instance:   transform,
		}},
		Sinks:       []graph.SinkSpec{{ID: "out", PluginName: "memory", Instance: sink}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	result, err := engine.New(rec, g, nil, engine.Settings{}).
		Run(context.Background(), map[string]any{"pipeline": "batch"})
	require.NoError(t, err)

	assert.Equal(t, landscape.RunCompleted, result.Status)
	assert.Equal(t, 3, result.RowsSucceeded)

	rows := sink.Rows()
	require.Len(t, rows, 3)

	for i, row := range rows {
		assert.Equal(t, int64(i+1), row["id"], "output order must match input order")
		assert.NotNil(t, row["response"])
	}

	assert.Greater(t, hits.Load(), int64(3), "retries must show up as extra requests")
}

func TestAggregationBatchesAndEmitsSummaries(t *testing.T) {
	t.Parallel()

	entry, err := plugins.Default.AggregationEntry("count")
	require.NoError(t, err)

	agg, err := entry.New(map[string]any{
		"trigger_count": 2,
		"sum_fields":    []any{"value"},
	})
	require.NoError(t, err)

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()
	ctx := context.Background()

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance:   builtin.NewMemorySource(sourceRows(4), nil, "continue"),
		},
		Aggregations: []graph.AggregationSpec{{
			ID:         "tally",
			PluginName: "count",
			Instance:   agg,
		}},
		Sinks:       []graph.SinkSpec{{ID: "out", PluginName: "memory", Instance: sink}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	result, err := engine.New(rec, g, nil, engine.Settings{}).
		Run(ctx, map[string]any{"pipeline": "aggregate"})
	require.NoError(t, err)

	assert.Equal(t, landscape.RunCompleted, result.Status)

	rows := sink.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0]["count"])
	assert.Equal(t, float64(1+2), rows[0]["value_sum"])
	assert.Equal(t, float64(3+4), rows[1]["value_sum"])
}

func TestTransformFailureRoutesToErrorSink(t *testing.T) {
	t.Parallel()

	failEven := transformFunc(func(row plugins.Row) (*plugins.TransformResult, error) {
		if row["id"].(int64)%2 == 0 {
			return plugins.Errorf(map[string]any{"error": "even_ids_rejected"}), nil
		}

		return plugins.Success(row), nil
	})

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()
	errorSink := builtin.NewMemorySink()
	ctx := context.Background()

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance:   builtin.NewMemorySource(sourceRows(3), nil, "continue"),
		},
		Transforms: []graph.TransformSpec{{
			ID:         "filter",
			PluginName: "filter",
			Instance:   failEven,
		}},
		Sinks: []graph.SinkSpec{
			{ID: "out", PluginName: "memory", Instance: sink},
			{ID: "errors", PluginName: "memory", Instance: errorSink},
		},
		DefaultSink: "out",
		ErrorSink:   "errors",
	})
	require.NoError(t, err)

	// The error sink comes from the pipeline declaration; engine
	// settings leave it blank.
	result, err := engine.New(rec, g, nil, engine.Settings{}).
		Run(ctx, map[string]any{"pipeline": "error-sink"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RowsFailed)
	assert.Equal(t, 2, result.RowsSucceeded)
	require.Len(t, sink.Rows(), 2)
	require.Len(t, errorSink.Rows(), 1)
	assert.Equal(t, int64(2), errorSink.Rows()[0]["id"])

	recorded, err := rec.GetTransformErrors(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "errors", recorded[0].Destination)
}

func TestGateEvaluationErrorQuarantinesRow(t *testing.T) {
	t.Parallel()

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()
	ctx := context.Background()

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source: graph.SourceSpec{
			ID:         "src",
			PluginName: "memory",
			Instance: builtin.NewMemorySource(
				[]plugins.Row{{"id": int64(1)}}, nil, "continue"),
		},
		Gates: []graph.GateSpec{{
			ID:         "check",
			PluginName: "expression",
			Instance: expressionGate(t, map[string]any{
				"condition": "row.missing > 1",
				"on_true":   "continue",
				"on_false":  "continue",
			}),
		}},
		Sinks:       []graph.SinkSpec{{ID: "out", PluginName: "memory", Instance: sink}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	result, err := engine.New(rec, g, nil, engine.Settings{}).
		Run(ctx, map[string]any{"pipeline": "quarantine"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RowsFailed)
	assert.Empty(t, sink.Rows())

	dbRows, err := rec.GetRows(ctx, result.RunID)
	require.NoError(t, err)

	outcomes, err := rec.GetTokenOutcomesForRow(ctx, result.RunID, dbRows[0].RowID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, landscape.OutcomeQuarantined, outcomes[0].Outcome)
}

// cancellingIterator cancels the run context after yielding a fixed
// number of rows, simulating an interrupt between rows.
type cancellingIterator struct {
	inner  plugins.RowIterator
	cancel context.CancelFunc
	after  int
	seen   int
}

func (it *cancellingIterator) Next(ctx context.Context) (plugins.Row, bool, error) {
	row, ok, err := it.inner.Next(ctx)
	if ok {
		it.seen++
		if it.seen >= it.after {
			it.cancel()
		}
	}

	return row, ok, err
}

func (it *cancellingIterator) Close() error { return it.inner.Close() }

type cancellingSource struct {
	plugins.Source
	cancel context.CancelFunc
	after  int
}

func (s *cancellingSource) Load(ctx context.Context, pctx *plugins.Context) (plugins.RowIterator, error) {
	inner, err := s.Source.Load(ctx, pctx)
	if err != nil {
		return nil, err
	}

	return &cancellingIterator{inner: inner, cancel: s.cancel, after: s.after}, nil
}

// cursorCapture records every cursor callback.
type cursorCapture struct {
	rows    []engine.Cursor
	batches []engine.Cursor
}

func (c *cursorCapture) AfterRow(_ context.Context, _ string, cur engine.Cursor) error {
	c.rows = append(c.rows, cur)

	return nil
}

func (c *cursorCapture) AfterBatch(_ context.Context, _ string, cur engine.Cursor) error {
	c.batches = append(c.batches, cur)

	return nil
}

func TestInterruptFlushesAndClosesRunAsInterrupted(t *testing.T) {
	t.Parallel()

	rec := newRecorder(t)
	sink := builtin.NewMemorySink()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	source := &cancellingSource{
		Source: builtin.NewMemorySource(sourceRows(5), nil, "continue"),
		cancel: cancel,
		after:  2,
	}

	g, err := graph.FromPluginInstances(graph.Pipeline{
		Source:      graph.SourceSpec{ID: "src", PluginName: "memory", Instance: source},
		Sinks:       []graph.SinkSpec{{ID: "out", PluginName: "memory", Instance: sink}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	capture := &cursorCapture{}
	o := engine.New(rec, g, nil, engine.Settings{}, engine.WithCheckpoints(capture))

	result, err := o.Run(ctx, map[string]any{"pipeline": "interrupt"})

	var shutdown *engine.GracefulShutdownError
	require.ErrorAs(t, err, &shutdown)
	require.NotNil(t, result)

	assert.Equal(t, landscape.RunInterrupted, result.Status)
	assert.Equal(t, 2, result.RowsProcessed)
	assert.NotEmpty(t, capture.rows)

	run, err := rec.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, landscape.RunInterrupted, run.Status)
}
