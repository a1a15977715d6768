package builtin_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins/builtin"
)

func drain(t *testing.T, src plugins.Source) []plugins.Row {
	t.Helper()

	it, err := src.Load(context.Background(), nil)
	require.NoError(t, err)

	defer it.Close()

	var rows []plugins.Row

	for {
		row, ok, err := it.Next(context.Background())
		require.NoError(t, err)

		if !ok {
			return rows
		}

		rows = append(rows, row)
	}
}

func TestCSVSourceCoercesAndValidates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name,score\n1,alice,0.5\n2,bob,0.9\n"), 0o644))

	entry, err := plugins.Default.SourceEntry("csv")
	require.NoError(t, err)

	src, err := entry.New(map[string]any{
		"path": path,
		"schema": map[string]any{
			"mode":   "fixed",
			"fields": []any{"id: int", "name: str", "score: float"},
		},
	})
	require.NoError(t, err)

	rows := drain(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "alice", rows[0]["name"])
	assert.Equal(t, 0.5, rows[0]["score"])
	require.NoError(t, src.Close())
}

func TestCSVSourceNormalizesHeaders(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("Customer ID,Total Sales (USD)\n7,19.5\n"), 0o644))

	entry, err := plugins.Default.SourceEntry("csv")
	require.NoError(t, err)

	src, err := entry.New(map[string]any{
		"path":             path,
		"normalize_fields": true,
	})
	require.NoError(t, err)

	rows := drain(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0]["customer_id"])
	assert.Equal(t, "19.5", rows[0]["total_sales_usd"])

	resolution := src.FieldResolution()
	assert.Equal(t, "customer_id", resolution["Customer ID"])
	assert.Equal(t, "total_sales_usd", resolution["Total Sales (USD)"])
}

func TestCSVSinkWritesAndHashes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")

	entry, err := plugins.Default.SinkEntry("csv")
	require.NoError(t, err)

	sink, err := entry.New(map[string]any{
		"path": path,
		"schema": map[string]any{
			"mode":   "fixed",
			"fields": []any{"id: int", "name: str"},
		},
	})
	require.NoError(t, err)

	desc, err := sink.Write(context.Background(), nil, []plugins.Row{
		{"id": int64(1), "name": "alice"},
		{"id": int64(2), "name": "bob"},
	})
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "csv", desc.ArtifactType)
	assert.NotEmpty(t, desc.ContentHash)

	require.NoError(t, sink.Flush())
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alice\n2,bob\n", string(data))
}

func TestCSVSinkResumeValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,alice\n"), 0o644))

	entry, err := plugins.Default.SinkEntry("csv")
	require.NoError(t, err)

	newSink := func(fields []any) plugins.Sink {
		sink, err := entry.New(map[string]any{
			"path":   path,
			"schema": map[string]any{"mode": "fixed", "fields": fields},
		})
		require.NoError(t, err)

		return sink
	}

	// Matching headers pass.
	sink := newSink([]any{"id: int", "name: str"})
	require.True(t, sink.SupportsResume())
	require.NoError(t, sink.ConfigureForResume())

	result, err := sink.ValidateOutputTarget()
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// Appending adds rows without re-writing the header.
	_, err = sink.Write(context.Background(), nil, []plugins.Row{{"id": int64(2), "name": "bob"}})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alice\n2,bob\n", string(data))

	// Diverging headers fail with a rendered diff.
	sink = newSink([]any{"id: int", "email: str"})
	require.NoError(t, sink.ConfigureForResume())

	result, err = sink.ValidateOutputTarget()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "email")
}

func TestJSONLSinkCanonicalLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.jsonl")

	entry, err := plugins.Default.SinkEntry("jsonl")
	require.NoError(t, err)

	sink, err := entry.New(map[string]any{"path": path})
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), nil, []plugins.Row{
		{"b": int64(2), "a": int64(1)},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1,\"b\":2}\n", string(data))
}

func TestFieldMapTransform(t *testing.T) {
	t.Parallel()

	entry, err := plugins.Default.TransformEntry("field_map")
	require.NoError(t, err)

	tr, err := entry.New(map[string]any{
		"mapping": map[string]any{"old": "new"},
	})
	require.NoError(t, err)

	result, err := tr.Process(context.Background(), nil, plugins.Row{"old": 1, "other": 2})
	require.NoError(t, err)
	require.Equal(t, plugins.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Row["new"])
	assert.Equal(t, 2, result.Row["other"])
	assert.NotContains(t, result.Row, "old")

	// Missing source field fails the row.
	result, err = tr.Process(context.Background(), nil, plugins.Row{"other": 2})
	require.NoError(t, err)
	assert.Equal(t, plugins.StatusError, result.Status)
	assert.Equal(t, "missing_field", result.Reason["error"])
}

func TestExpressionGateRouting(t *testing.T) {
	t.Parallel()

	entry, err := plugins.Default.GateEntry("expression")
	require.NoError(t, err)

	gate, err := entry.New(map[string]any{
		"condition": "row.score > 0.5",
		"on_true":   "route_to:high",
		"on_false":  "route_to:low",
	})
	require.NoError(t, err)

	action, err := gate.Decide(context.Background(), nil, plugins.Row{"score": 0.9})
	require.NoError(t, err)
	assert.Equal(t, plugins.RouteTo, action.Kind)
	assert.Equal(t, []string{"high"}, action.Labels)
	assert.Equal(t, true, action.Reason["matched"])

	action, err = gate.Decide(context.Background(), nil, plugins.Row{"score": 0.1})
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, action.Labels)

	// Missing field is an evaluation error, not a silent false.
	_, err = gate.Decide(context.Background(), nil, plugins.Row{})
	require.Error(t, err)
}

func TestExpressionGateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	entry, err := plugins.Default.GateEntry("expression")
	require.NoError(t, err)

	_, err = entry.New(map[string]any{"condition": "row.score >"})
	require.Error(t, err)

	_, err = entry.New(map[string]any{"condition": "row.x > 1", "on_true": "fork_to:solo"})
	require.Error(t, err)
}

func TestCountAggregation(t *testing.T) {
	t.Parallel()

	entry, err := plugins.Default.AggregationEntry("count")
	require.NoError(t, err)

	agg, err := entry.New(map[string]any{
		"trigger_count": 3,
		"sum_fields":    []any{"value"},
	})
	require.NoError(t, err)

	ctx := context.Background()

	for i, want := range []bool{false, false, true} {
		ready, err := agg.Accept(ctx, nil, plugins.Row{"value": i + 1})
		require.NoError(t, err)
		assert.Equal(t, want, ready)
	}

	rows, err := agg.Finalize(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0]["count"])
	assert.Equal(t, 6.0, rows[0]["value_sum"])

	// The buffer resets after finalize.
	rows, err = agg.Finalize(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWindowAggregation(t *testing.T) {
	t.Parallel()

	entry, err := plugins.Default.AggregationEntry("window")
	require.NoError(t, err)

	agg, err := entry.New(map[string]any{"window_size": 2})
	require.NoError(t, err)

	ctx := context.Background()

	ready, err := agg.Accept(ctx, nil, plugins.Row{"v": 1})
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = agg.Accept(ctx, nil, plugins.Row{"v": 2})
	require.NoError(t, err)
	assert.True(t, ready)

	rows, err := agg.Finalize(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(0), rows[0]["window"])
	assert.Equal(t, int64(1), rows[1]["window_index"])
}

type orderPort struct {
	tokens []string
}

func (p *orderPort) Emit(tokenID, _ string, _ *plugins.TransformResult) {
	p.tokens = append(p.tokens, tokenID)
}

func TestHTTPBatchTransformAgainstServer(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First request per burst gets throttled once to exercise the
		// retry path.
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	entry, err := plugins.Default.BatchTransformEntry("http")
	require.NoError(t, err)

	tr, err := entry.New(map[string]any{
		"url":       server.URL,
		"pool_size": 2,
	})
	require.NoError(t, err)

	port := &orderPort{}
	results := map[string]*plugins.TransformResult{}

	collector := plugins.OutputPort(portFunc(func(tokenID, stateID string, result *plugins.TransformResult) {
		port.Emit(tokenID, stateID, result)
		results[tokenID] = result
	}))

	tr.ConnectOutput(collector, 4)

	ctx := context.Background()
	require.NoError(t, tr.OnStart(ctx))

	for _, tok := range []string{"t1", "t2", "t3"} {
		require.NoError(t, tr.Accept(ctx, plugins.Submission{TokenID: tok, Row: plugins.Row{"q": tok}}))
	}

	require.NoError(t, tr.FlushBatchProcessing(ctx, 10*time.Second))
	require.NoError(t, tr.Close())

	assert.Equal(t, []string{"t1", "t2", "t3"}, port.tokens)

	for tok, result := range results {
		require.Equal(t, plugins.StatusSuccess, result.Status, tok)

		response, ok := result.Row["response"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, response["ok"])
	}

	assert.GreaterOrEqual(t, hits.Load(), int64(4))
}

type portFunc func(tokenID, stateID string, result *plugins.TransformResult)

func (f portFunc) Emit(tokenID, stateID string, result *plugins.TransformResult) {
	f(tokenID, stateID, result)
}

func TestNullSourceYieldsNothing(t *testing.T) {
	t.Parallel()

	src := builtin.NewNullSource(nil, "continue")
	assert.True(t, src.SupportsResume())
	assert.Empty(t, drain(t, src))
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	src := builtin.NewMemorySource([]plugins.Row{{"a": 1}, {"a": 2}}, nil, "continue")
	rows := drain(t, src)
	require.Len(t, rows, 2)

	sink := builtin.NewMemorySink()
	_, err := sink.Write(context.Background(), nil, rows)
	require.NoError(t, err)
	assert.Len(t, sink.Rows(), 2)
}
