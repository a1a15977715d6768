package batch_test

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub004/internal/batch"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

type capturePort struct {
	mu      sync.Mutex
	tokens  []string
	results []*plugins.TransformResult
}

func (p *capturePort) Emit(tokenID, _ string, result *plugins.TransformResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokens = append(p.tokens, tokenID)
	p.results = append(p.results, result)
}

func (p *capturePort) emitted() ([]string, []*plugins.TransformResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.tokens...), append([]*plugins.TransformResult(nil), p.results...)
}

type workerFunc func(ctx context.Context, clients *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error)

func (f workerFunc) ProcessRow(ctx context.Context, clients *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error) {
	return f(ctx, clients, sub)
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func startAdapter(t *testing.T, cfg batch.Config, worker batch.Worker, port plugins.OutputPort, opts ...batch.Option) *batch.Adapter {
	t.Helper()

	opts = append(opts, batch.WithSleep(noSleep))
	adapter := batch.NewAdapter(cfg, worker, slog.Default(), opts...)
	adapter.ConnectOutput(port, 0)
	require.NoError(t, adapter.OnStart(context.Background()))

	return adapter
}

func TestAdapterPreservesSubmissionOrder(t *testing.T) {
	t.Parallel()

	worker := workerFunc(func(_ context.Context, _ *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error) {
		// Jitter completion order to exercise the reorder buffer.
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)

		out := plugins.CloneRow(sub.Row)
		out["done"] = true

		return plugins.Success(out), nil
	})

	port := &capturePort{}
	adapter := startAdapter(t, batch.Config{PoolSize: 8}, worker, port)

	ctx := context.Background()

	var want []string

	for i := 0; i < 40; i++ {
		tok := fmt.Sprintf("tok-%03d", i)
		want = append(want, tok)
		require.NoError(t, adapter.Accept(ctx, plugins.Submission{
			TokenID: tok,
			StateID: fmt.Sprintf("st-%03d", i),
			Row:     plugins.Row{"i": i},
		}))
	}

	require.NoError(t, adapter.FlushBatchProcessing(ctx, 5*time.Second))
	require.NoError(t, adapter.Close())

	tokens, results := port.emitted()
	assert.Equal(t, want, tokens)

	for i, res := range results {
		require.Equal(t, plugins.StatusSuccess, res.Status)
		assert.Equal(t, i, res.Row["i"])
	}
}

func TestAdapterRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
		total int
	)

	// Every row fails with a retryable result twice, then succeeds.
	worker := workerFunc(func(_ context.Context, _ *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error) {
		mu.Lock()
		calls[sub.TokenID]++
		n := calls[sub.TokenID]
		total++
		mu.Unlock()

		if n <= 2 {
			return plugins.RetryableError(map[string]any{"status": 429}), nil
		}

		return plugins.Success(plugins.CloneRow(sub.Row)), nil
	})

	port := &capturePort{}
	adapter := startAdapter(t, batch.Config{PoolSize: 4, MaxCapacityRetry: time.Minute}, worker, port)

	ctx := context.Background()

	var want []string

	for i := 0; i < 10; i++ {
		tok := fmt.Sprintf("tok-%d", i)
		want = append(want, tok)
		require.NoError(t, adapter.Accept(ctx, plugins.Submission{TokenID: tok, Row: plugins.Row{"i": i}}))
	}

	require.NoError(t, adapter.FlushBatchProcessing(ctx, 5*time.Second))

	tokens, results := port.emitted()
	assert.Equal(t, want, tokens)

	for _, res := range results {
		assert.Equal(t, plugins.StatusSuccess, res.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 30, total)
}

func TestAdapterRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	// The fake clock advances 30s per reading against a 60s budget, so
	// the second attempt lands outside the budget.
	var (
		clockMu sync.Mutex
		now     = time.Unix(1700000000, 0)
	)

	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()

		t := now
		now = now.Add(30 * time.Second)

		return t
	}

	var attempts int

	worker := workerFunc(func(_ context.Context, _ *batch.ClientCache, _ plugins.Submission) (*plugins.TransformResult, error) {
		attempts++

		return plugins.RetryableError(map[string]any{"status": 503}), nil
	})

	port := &capturePort{}
	adapter := startAdapter(t, batch.Config{PoolSize: 1, MaxCapacityRetry: time.Minute}, worker, port, batch.WithClock(clock))

	ctx := context.Background()
	require.NoError(t, adapter.Accept(ctx, plugins.Submission{TokenID: "tok-0", Row: plugins.Row{}}))
	require.NoError(t, adapter.FlushBatchProcessing(ctx, 5*time.Second))

	_, results := port.emitted()
	require.Len(t, results, 1)
	require.Equal(t, plugins.StatusError, results[0].Status)
	assert.Equal(t, "query_failed", results[0].Reason["error"])
	assert.Greater(t, attempts, 1)
}

func TestAdapterPermanentErrorDropsPartialOutput(t *testing.T) {
	t.Parallel()

	var calls int

	worker := workerFunc(func(_ context.Context, _ *batch.ClientCache, _ plugins.Submission) (*plugins.TransformResult, error) {
		calls++

		return &plugins.TransformResult{
			Status: plugins.StatusError,
			Row:    plugins.Row{"partial": true},
			Reason: map[string]any{"status": 400},
		}, nil
	})

	port := &capturePort{}
	adapter := startAdapter(t, batch.Config{PoolSize: 2}, worker, port)

	ctx := context.Background()
	require.NoError(t, adapter.Accept(ctx, plugins.Submission{TokenID: "tok-0", Row: plugins.Row{}}))
	require.NoError(t, adapter.FlushBatchProcessing(ctx, 5*time.Second))

	_, results := port.emitted()
	require.Len(t, results, 1)
	assert.Equal(t, plugins.StatusError, results[0].Status)
	assert.Nil(t, results[0].Row)
	assert.Nil(t, results[0].Rows)
	assert.Equal(t, 1, calls)
}

func TestAdapterFlushTimeoutIsFatal(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	worker := workerFunc(func(_ context.Context, _ *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error) {
		<-release

		return plugins.Success(plugins.CloneRow(sub.Row)), nil
	})

	port := &capturePort{}
	adapter := startAdapter(t, batch.Config{PoolSize: 1}, worker, port)

	ctx := context.Background()
	require.NoError(t, adapter.Accept(ctx, plugins.Submission{TokenID: "tok-0", Row: plugins.Row{}}))

	err := adapter.FlushBatchProcessing(ctx, 20*time.Millisecond)

	var ferr *batch.FlushTimeoutError

	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 1, ferr.Pending)

	close(release)
	require.NoError(t, adapter.FlushBatchProcessing(ctx, 5*time.Second))
}

func TestAdapterShrinksClientCache(t *testing.T) {
	t.Parallel()

	worker := workerFunc(func(_ context.Context, clients *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error) {
		clients.Acquire(batch.BatchScope, func() (any, func()) { return "shared-client", nil })
		clients.Acquire(sub.TokenID, func() (any, func()) { return "row-client", nil })

		return plugins.Success(plugins.CloneRow(sub.Row)), nil
	})

	port := &capturePort{}
	adapter := startAdapter(t, batch.Config{PoolSize: 2}, worker, port)

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, adapter.Accept(ctx, plugins.Submission{TokenID: fmt.Sprintf("tok-%d", i), Row: plugins.Row{}}))
	}

	require.NoError(t, adapter.FlushBatchProcessing(ctx, 5*time.Second))
	assert.Equal(t, 1, adapter.Clients().Len())

	require.NoError(t, adapter.Close())
	assert.Equal(t, 0, adapter.Clients().Len())
}

func TestAdapterAcceptHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	worker := workerFunc(func(_ context.Context, _ *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error) {
		<-release

		return plugins.Success(plugins.CloneRow(sub.Row)), nil
	})

	port := &capturePort{}
	adapter := batch.NewAdapter(batch.Config{PoolSize: 1}, worker, slog.Default(), batch.WithSleep(noSleep))
	adapter.ConnectOutput(port, 1)
	require.NoError(t, adapter.OnStart(context.Background()))

	require.NoError(t, adapter.Accept(context.Background(), plugins.Submission{TokenID: "tok-0", Row: plugins.Row{}}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// The buffer is full, so this Accept must block until the context
	// expires.
	err := adapter.Accept(ctx, plugins.Submission{TokenID: "tok-1", Row: plugins.Row{}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, batch.RetryableStatus(429))
	assert.True(t, batch.RetryableStatus(503))
	assert.True(t, batch.RetryableStatus(408))
	assert.False(t, batch.RetryableStatus(400))
	assert.False(t, batch.RetryableStatus(200))
	assert.False(t, batch.RetryableError(nil))
}
