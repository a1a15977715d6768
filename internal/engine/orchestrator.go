// Package engine drives a validated execution graph end to end: it
// streams rows from the source, walks each token through transforms,
// gates, aggregations, coalesce points, and sinks, and records every
// step through the landscape recorder. Dispatch is single-threaded;
// concurrency lives inside batch-aware transforms and is reconciled at
// their output ports between rows.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tachyon-beep/elspeth-sub004/internal/coalesce"
	"github.com/tachyon-beep/elspeth-sub004/internal/graph"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/tokens"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// Cursor is the resume position the checkpoint layer persists: the
// last successfully settled token position plus any buffered
// aggregation state.
type Cursor struct {
	TokenID          string
	NodeID           string
	StepIndex        int
	SequenceNumber   int64
	AggregationState map[string]any
}

// CheckpointWriter receives cursor callbacks from the run loop. The
// checkpoint manager decides which callbacks actually persist.
type CheckpointWriter interface {
	AfterRow(ctx context.Context, runID string, cur Cursor) error
	AfterBatch(ctx context.Context, runID string, cur Cursor) error
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID         string
	Status        landscape.RunStatus
	RowsProcessed int
	RowsSucceeded int
	RowsFailed    int
}

// Settings tunes one run.
type Settings struct {
	// ErrorSink receives rows that fail a transform or are rejected by
	// a gate. Empty records a failed outcome and drops the row.
	ErrorSink string
	// MaxPending bounds in-flight rows per batch-aware transform.
	MaxPending int
	// FlushTimeout bounds the end-of-source batch drain.
	FlushTimeout time.Duration
	// SecretResolutions maps env var names to value hashes, recorded
	// for audit completeness.
	SecretResolutions map[string]string
}

const (
	defaultMaxPending   = 64
	defaultFlushTimeout = 60 * time.Second
)

// Orchestrator runs one pipeline.
type Orchestrator struct {
	rec      *landscape.Recorder
	graph    *graph.Graph
	logger   *slog.Logger
	tracer   trace.Tracer
	settings Settings

	coalescePoints []*coalesce.Settings
	checkpoints    CheckpointWriter

	// Per-run state, reset by Run.
	runID     string
	manager   *tokens.Manager
	merger    *coalesce.Executor
	ports     map[string]*queuedPort
	parked    map[string]*parkedToken
	batches   map[string]*batchState
	stepIndex map[string]int
	cursor    Cursor

	// derived counts rows minted per aggregation node; row indices are
	// unique per (run, source node), so each node numbers from zero.
	derived map[string]int

	rowsProcessed int
	failedRows    map[string]bool
}

// parkedToken is a token waiting inside a batch-aware transform, keyed
// by the open state that will settle it.
type parkedToken struct {
	token  *tokens.TokenInfo
	nodeID string
}

// batchState is the draft batch an aggregation node is filling.
type batchState struct {
	batchID     string
	ordinal     int
	lastStateID string
}

// Option configures an orchestrator.
type Option func(*Orchestrator)

// WithCoalescePoints registers the run's coalesce settings.
func WithCoalescePoints(points []*coalesce.Settings) Option {
	return func(o *Orchestrator) { o.coalescePoints = points }
}

// WithCheckpoints attaches a checkpoint writer.
func WithCheckpoints(w CheckpointWriter) Option {
	return func(o *Orchestrator) { o.checkpoints = w }
}

// New builds an orchestrator over a validated graph.
func New(rec *landscape.Recorder, g *graph.Graph, logger *slog.Logger, settings Settings, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	if settings.MaxPending <= 0 {
		settings.MaxPending = defaultMaxPending
	}

	if settings.FlushTimeout <= 0 {
		settings.FlushTimeout = defaultFlushTimeout
	}

	if settings.ErrorSink == "" {
		settings.ErrorSink = g.ErrorSink
	}

	o := &Orchestrator{
		rec:      rec,
		graph:    g,
		logger:   logger,
		tracer:   otel.Tracer("elspeth/engine"),
		settings: settings,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run executes the pipeline. On a context cancellation it finishes the
// in-flight row, flushes pending work, writes a cursor, closes the run
// as interrupted, and returns the result alongside a
// GracefulShutdownError.
func (o *Orchestrator) Run(ctx context.Context, config map[string]any) (*RunResult, error) {
	runCtx, span := o.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	sourceNode, ok := o.graph.Node(o.graph.SourceID)
	if !ok {
		return nil, fmt.Errorf("graph has no source node %q", o.graph.SourceID)
	}

	source, ok := sourceNode.Instance.(plugins.Source)
	if !ok {
		return nil, fmt.Errorf("source node %s does not implement the source contract", sourceNode.ID)
	}

	params := landscape.BeginRunParams{}

	if contract := source.SchemaContract(); contract != nil {
		data, err := canonical.JSON(map[string]any{
			"mode":   string(contract.Mode),
			"fields": contract.FieldDocs(),
		})
		if err != nil {
			return nil, fmt.Errorf("serializing source schema: %w", err)
		}

		schemaJSON := string(data)
		params.SourceSchemaJSON = &schemaJSON
	}

	run, err := o.rec.BeginRun(runCtx, config, params)
	if err != nil {
		return nil, err
	}

	o.runID = run.RunID
	o.manager = tokens.NewManager(o.rec, run.RunID)
	o.ports = map[string]*queuedPort{}
	o.parked = map[string]*parkedToken{}
	o.batches = map[string]*batchState{}
	o.failedRows = map[string]bool{}
	o.rowsProcessed = 0
	o.derived = map[string]int{}
	o.cursor = Cursor{}

	o.stepIndex = map[string]int{}
	for i, n := range o.graph.Nodes() {
		o.stepIndex[n.ID] = i
	}

	span.SetAttributes(attribute.String("run.id", run.RunID))

	result, runErr := o.execute(runCtx, run, source)
	if runErr != nil {
		if shutdown, ok := runErr.(*GracefulShutdownError); ok {
			return result, shutdown
		}

		if _, err := o.rec.CompleteRun(context.WithoutCancel(runCtx), run.RunID, landscape.RunFailed); err != nil {
			o.logger.Error("closing failed run", "run_id", run.RunID, "error", err)
		}

		return nil, runErr
	}

	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *landscape.Run, source plugins.Source) (*RunResult, error) {
	if o.settings.ErrorSink != "" {
		if _, ok := o.graph.Node(o.settings.ErrorSink); !ok {
			return nil, fmt.Errorf("error sink %q is not in the graph", o.settings.ErrorSink)
		}
	}

	for envVar, valueHash := range o.settings.SecretResolutions {
		if err := o.rec.RecordSecretResolution(ctx, run.RunID, envVar, valueHash); err != nil {
			return nil, err
		}
	}

	if err := o.graph.Register(ctx, o.rec, run.RunID); err != nil {
		return nil, fmt.Errorf("registering graph: %w", err)
	}

	if mapping := source.FieldResolution(); len(mapping) > 0 {
		if err := o.rec.RecordSourceFieldResolution(ctx, run.RunID, mapping); err != nil {
			return nil, err
		}
	}

	if len(o.coalescePoints) > 0 {
		merger, err := coalesce.NewExecutor(o.rec, o.manager, o.logger, o.coalescePoints)
		if err != nil {
			return nil, err
		}

		o.merger = merger
	}

	for _, n := range o.graph.Nodes() {
		bt, ok := n.Instance.(plugins.BatchTransform)
		if !ok {
			continue
		}

		port := newQueuedPort()
		o.ports[n.ID] = port
		bt.ConnectOutput(port, o.settings.MaxPending)

		if err := bt.OnStart(ctx); err != nil {
			return nil, fmt.Errorf("starting batch transform %s: %w", n.ID, err)
		}
	}

	it, err := source.Load(ctx, o.pluginContext(o.graph.SourceID))
	if err != nil {
		return nil, fmt.Errorf("loading source: %w", err)
	}
	defer func() { _ = it.Close() }()

	firstEdge, ok := o.graph.OutEdge(o.graph.SourceID, source.OnSuccess())
	if !ok {
		firstEdge, ok = o.graph.OutEdge(o.graph.SourceID, graph.ContinueLabel)
	}

	if !ok {
		return nil, fmt.Errorf("source %s has no downstream edge", o.graph.SourceID)
	}

	interrupted := false
	rowIndex := 0

	for {
		if ctx.Err() != nil {
			interrupted = true

			break
		}

		row, more, err := it.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				interrupted = true

				break
			}

			return nil, fmt.Errorf("reading source row %d: %w", rowIndex, err)
		}

		if !more {
			break
		}

		// The row in hand always settles: cancellation stops the loop
		// between rows, so its audit writes run detached from the run
		// context. A cancel that landed while reading marks the run
		// interrupted once the row is done.
		rowCtx := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			interrupted = true
		}

		tok, err := o.manager.CreateInitialToken(rowCtx, row, o.graph.SourceID, rowIndex)
		if err != nil {
			return nil, err
		}

		rowIndex++
		o.rowsProcessed++

		spanCtx, rowSpan := o.tracer.Start(rowCtx, "pipeline.row",
			trace.WithAttributes(attribute.Int("row.index", rowIndex-1)))

		if err := o.walk(spanCtx, tok, firstEdge.To); err != nil {
			rowSpan.End()

			return nil, err
		}

		if err := o.reconcile(spanCtx); err != nil {
			rowSpan.End()

			return nil, err
		}

		rowSpan.End()

		if o.checkpoints != nil && o.cursor.TokenID != "" {
			if err := o.checkpoints.AfterRow(rowCtx, run.RunID, o.cursor); err != nil {
				return nil, fmt.Errorf("writing checkpoint: %w", err)
			}
		}

		if interrupted {
			break
		}
	}

	// Flushes and close-out still run after a cancel; they settle
	// in-flight work so every token reaches a terminal outcome.
	closeCtx := context.WithoutCancel(ctx)

	_ = it.Close()

	if err := source.Close(); err != nil {
		o.logger.Warn("closing source", "error", err)
	}

	if err := o.flush(closeCtx); err != nil {
		return nil, err
	}

	for _, n := range o.graph.Nodes() {
		sink, ok := n.Instance.(plugins.Sink)
		if !ok {
			continue
		}

		if err := sink.Flush(); err != nil {
			return nil, fmt.Errorf("flushing sink %s: %w", n.ID, err)
		}

		if err := sink.Close(); err != nil {
			return nil, fmt.Errorf("closing sink %s: %w", n.ID, err)
		}
	}

	if _, err := o.rec.ComputeReproducibilityGrade(closeCtx, run.RunID); err != nil {
		return nil, fmt.Errorf("computing reproducibility grade: %w", err)
	}

	result := &RunResult{
		RunID:         run.RunID,
		RowsProcessed: o.rowsProcessed,
		RowsFailed:    len(o.failedRows),
		RowsSucceeded: o.rowsProcessed - len(o.failedRows),
	}

	if interrupted {
		if o.checkpoints != nil && o.cursor.TokenID != "" {
			if err := o.checkpoints.AfterRow(closeCtx, run.RunID, o.cursor); err != nil {
				o.logger.Error("writing shutdown checkpoint", "run_id", run.RunID, "error", err)
			}
		}

		result.Status = landscape.RunInterrupted

		if _, err := o.rec.CompleteRun(closeCtx, run.RunID, landscape.RunInterrupted); err != nil {
			return nil, err
		}

		return result, &GracefulShutdownError{RunID: run.RunID, RowsProcessed: o.rowsProcessed}
	}

	result.Status = landscape.RunCompleted

	if _, err := o.rec.CompleteRun(closeCtx, run.RunID, landscape.RunCompleted); err != nil {
		return nil, err
	}

	return result, nil
}

// reconcile settles work that became ready between rows: batch
// transform emissions and coalesce timeouts.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	for {
		progressed := false

		for nodeID, port := range o.ports {
			for _, em := range port.drain() {
				progressed = true

				if err := o.settleEmission(ctx, nodeID, em); err != nil {
					return err
				}
			}
		}

		if o.merger != nil {
			results, err := o.merger.CheckTimeouts(ctx)
			if err != nil {
				return err
			}

			for _, r := range results {
				progressed = true

				if err := o.handleCoalesceResult(ctx, r); err != nil {
					return err
				}
			}
		}

		if !progressed {
			return nil
		}
	}
}

// flush drains everything still buffered at end of source: partial
// aggregation batches, batch-aware transforms, then coalesce points.
func (o *Orchestrator) flush(ctx context.Context) error {
	for _, n := range o.graph.Nodes() {
		agg, ok := n.Instance.(plugins.Aggregation)
		if !ok {
			continue
		}

		bs := o.batches[n.ID]
		if bs == nil {
			continue
		}

		if err := o.finalizeBatch(ctx, n, agg, bs, "end_of_source", "source exhausted"); err != nil {
			return err
		}
	}

	for nodeID := range o.ports {
		n, _ := o.graph.Node(nodeID)

		bt := n.Instance.(plugins.BatchTransform)
		if err := bt.FlushBatchProcessing(ctx, o.settings.FlushTimeout); err != nil {
			return fmt.Errorf("flushing batch transform %s: %w", nodeID, err)
		}

		if err := o.reconcile(ctx); err != nil {
			return err
		}

		if err := bt.Close(); err != nil {
			o.logger.Warn("closing batch transform", "node_id", nodeID, "error", err)
		}
	}

	if o.merger != nil {
		results, err := o.merger.FlushPending(ctx)
		if err != nil {
			return err
		}

		for _, r := range results {
			if err := o.handleCoalesceResult(ctx, r); err != nil {
				return err
			}
		}
	}

	return o.reconcile(ctx)
}

func (o *Orchestrator) pluginContext(nodeID string) *plugins.Context {
	return &plugins.Context{
		RunID:    o.runID,
		NodeID:   nodeID,
		Logger:   o.logger.With("run_id", o.runID, "node_id", nodeID),
		Recorder: o.rec,
	}
}

func (o *Orchestrator) advanceCursor(tok *tokens.TokenInfo, nodeID string) {
	o.cursor = Cursor{
		TokenID:        tok.TokenID,
		NodeID:         nodeID,
		StepIndex:      o.stepIndex[nodeID],
		SequenceNumber: o.cursor.SequenceNumber + 1,
	}
}
