// Package batch implements the batch-aware transform adapter: a fixed
// worker pool that pipelines rows concurrently against an external
// endpoint while emitting results downstream in exact submission
// order. Retryable failures feed an AIMD concurrency controller; each
// row carries an explicit retry time budget.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

// Worker performs the outbound calls for one row. Implementations
// key row-scoped clients by the submission's token ID and the shared
// client by BatchScope.
type Worker interface {
	ProcessRow(ctx context.Context, clients *ClientCache, sub plugins.Submission) (*plugins.TransformResult, error)
}

// Config sizes the adapter.
type Config struct {
	// PoolSize is the fixed number of concurrent workers.
	PoolSize int
	// MaxCapacityRetry bounds total retry time per row; when it
	// elapses the row fails with reason query_failed.
	MaxCapacityRetry time.Duration
	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration
	// ScopeFor groups rows into AIMD endpoint scopes. Nil puts every
	// row in one scope.
	ScopeFor func(row plugins.Row) string
}

// FlushTimeoutError means workers stalled: in-flight rows failed to
// settle within the flush timeout. This is fatal, not retryable.
type FlushTimeoutError struct {
	Pending int
	Timeout time.Duration
}

func (e *FlushTimeoutError) Error() string {
	return fmt.Sprintf("batch flush timed out after %s with %d rows in flight", e.Timeout, e.Pending)
}

type settled struct {
	sub    plugins.Submission
	result *plugins.TransformResult
}

// Adapter implements plugins.BatchTransform around a Worker.
type Adapter struct {
	cfg     Config
	worker  Worker
	logger  *slog.Logger
	aimd    *aimdRegistry
	clients *ClientCache

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	port       plugins.OutputPort
	maxPending int

	group *errgroup.Group

	mu         sync.Mutex
	cond       *sync.Cond
	nextSubmit int
	nextEmit   int
	buffered   map[int]settled
	started    bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithSleep overrides the backoff sleep for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Adapter) { a.sleep = sleep }
}

// NewAdapter builds an adapter over a worker.
func NewAdapter(cfg Config, worker Worker, logger *slog.Logger, opts ...Option) *Adapter {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	if cfg.MaxCapacityRetry <= 0 {
		cfg.MaxCapacityRetry = 60 * time.Second
	}

	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}

	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		cfg:      cfg,
		worker:   worker,
		logger:   logger,
		aimd:     newAIMDRegistry(cfg.PoolSize),
		clients:  NewClientCache(),
		now:      time.Now,
		buffered: map[int]settled{},
	}
	a.cond = sync.NewCond(&a.mu)
	a.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Clients exposes the cache for tests and workers constructed outside
// the adapter.
func (a *Adapter) Clients() *ClientCache {
	return a.clients
}

// ConnectOutput wires the downstream port and sets the FIFO capacity.
func (a *Adapter) ConnectOutput(port plugins.OutputPort, maxPending int) {
	if maxPending <= 0 {
		maxPending = a.cfg.PoolSize * 2
	}

	a.port = port
	a.maxPending = maxPending
}

// OnStart spins up the worker pool.
func (a *Adapter) OnStart(ctx context.Context) error {
	if a.port == nil {
		return fmt.Errorf("batch adapter started without a connected output port")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("batch adapter started twice")
	}

	a.group = &errgroup.Group{}
	a.group.SetLimit(a.cfg.PoolSize)
	a.started = true

	return nil
}

// Accept submits a row. It blocks while maxPending rows are in flight
// (submitted but not yet emitted), providing back-pressure.
func (a *Adapter) Accept(ctx context.Context, sub plugins.Submission) error {
	a.mu.Lock()

	if !a.started {
		a.mu.Unlock()

		return fmt.Errorf("batch adapter accept before start")
	}

	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})

	for a.nextSubmit-a.nextEmit >= a.maxPending {
		if ctx.Err() != nil {
			stop()
			a.mu.Unlock()

			return ctx.Err()
		}

		a.cond.Wait()
	}

	stop()

	index := a.nextSubmit
	a.nextSubmit++
	a.mu.Unlock()

	a.group.Go(func() error {
		result := a.processWithRetry(ctx, sub)
		a.deliver(index, sub, result)

		return nil
	})

	return nil
}

// FlushBatchProcessing waits until every accepted row has settled and
// been emitted. A timeout is fatal: it means workers are stalled.
func (a *Adapter) FlushBatchProcessing(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	done := make(chan struct{})

	go func() {
		a.mu.Lock()
		for a.nextEmit < a.nextSubmit {
			a.cond.Wait()
		}
		a.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		a.clients.Shrink()

		return nil
	case <-deadline.C:
		a.mu.Lock()
		pending := a.nextSubmit - a.nextEmit
		a.mu.Unlock()

		a.clients.Shrink()

		return &FlushTimeoutError{Pending: pending, Timeout: timeout}
	case <-ctx.Done():
		a.clients.Shrink()

		return ctx.Err()
	}
}

// Close shrinks the client cache. Safe after a failed flush.
func (a *Adapter) Close() error {
	a.clients.Shrink()
	a.clients.Release(BatchScope)

	return nil
}

// processWithRetry runs the worker under AIMD control, retrying
// transient failures until the per-row budget elapses.
func (a *Adapter) processWithRetry(ctx context.Context, sub plugins.Submission) *plugins.TransformResult {
	defer a.clients.Release(sub.TokenID)

	scope := "default"
	if a.cfg.ScopeFor != nil {
		scope = a.cfg.ScopeFor(sub.Row)
	}

	ctrl := a.aimd.scope(scope)
	budgetEnds := a.now().Add(a.cfg.MaxCapacityRetry)

	for attempt := 0; ; attempt++ {
		if err := ctrl.acquire(ctx); err != nil {
			return plugins.Errorf(map[string]any{"error": "canceled", "detail": err.Error()})
		}

		result, err := a.worker.ProcessRow(ctx, a.clients, sub)

		ctrl.release()

		retryable := false

		switch {
		case err != nil:
			retryable = RetryableError(err)
			result = &plugins.TransformResult{
				Status:    plugins.StatusError,
				Reason:    map[string]any{"error": err.Error()},
				Retryable: retryable,
			}
		case result.Status == plugins.StatusError:
			retryable = result.Retryable
		default:
			ctrl.onSuccess()

			return result
		}

		if !retryable {
			return stripPartialOutput(result)
		}

		ctrl.onBackoff()

		if !a.now().Add(a.backoffDelay(attempt)).Before(budgetEnds) {
			a.logger.Warn("row retry budget exhausted",
				"token_id", sub.TokenID, "scope", scope, "attempts", attempt+1)

			return plugins.Errorf(map[string]any{
				"error":    "query_failed",
				"attempts": attempt + 1,
				"detail":   result.Reason,
			})
		}

		if err := a.sleep(ctx, a.backoffDelay(attempt)); err != nil {
			return plugins.Errorf(map[string]any{"error": "canceled", "detail": err.Error()})
		}
	}
}

// backoffDelay doubles per attempt, capped at one second over base.
func (a *Adapter) backoffDelay(attempt int) time.Duration {
	d := a.cfg.RetryBaseDelay << uint(attempt)

	if limit := a.cfg.RetryBaseDelay + time.Second; d > limit {
		return limit
	}

	return d
}

// stripPartialOutput enforces all-or-nothing semantics: an error
// result never carries output rows.
func stripPartialOutput(result *plugins.TransformResult) *plugins.TransformResult {
	if result.Status == plugins.StatusError {
		result.Row = nil
		result.Rows = nil
	}

	return result
}

// deliver inserts a settled row into the reorder buffer and releases
// every consecutive result starting at the emission cursor.
func (a *Adapter) deliver(index int, sub plugins.Submission, result *plugins.TransformResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffered[index] = settled{sub: sub, result: result}

	for {
		next, ok := a.buffered[a.nextEmit]
		if !ok {
			break
		}

		delete(a.buffered, a.nextEmit)
		a.port.Emit(next.sub.TokenID, next.sub.StateID, next.result)
		a.nextEmit++
	}

	a.cond.Broadcast()
}
