package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRowsTotal        = "elspeth.pipeline.rows.total"
	metricTokensTotal      = "elspeth.pipeline.tokens.total"
	metricRowDuration      = "elspeth.pipeline.row.duration.seconds"
	metricBatchesTotal     = "elspeth.pipeline.batches.total"
	metricCoalesceOutcomes = "elspeth.pipeline.coalesce.outcomes.total"

	attrOutcome = "outcome"
)

// PipelineMetrics holds OTel instruments for pipeline-specific metrics.
type PipelineMetrics struct {
	rowsTotal        metric.Int64Counter
	tokensTotal      metric.Int64Counter
	rowDuration      metric.Float64Histogram
	batchesTotal     metric.Int64Counter
	coalesceOutcomes metric.Int64Counter
}

// RunStats holds the statistics for a single pipeline run, decoupled
// from engine types.
type RunStats struct {
	Rows             int64
	Tokens           int64
	RowDurations     []time.Duration
	Batches          int64
	CoalesceMerges   int64
	CoalesceFailures int64
}

// NewPipelineMetrics creates pipeline metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		rowsTotal:        b.counter(metricRowsTotal, "Total source rows processed", "{row}"),
		tokensTotal:      b.counter(metricTokensTotal, "Total tokens created", "{token}"),
		rowDuration:      b.histogram(metricRowDuration, "Per-row processing duration in seconds", "s", durationBucketBoundaries...),
		batchesTotal:     b.counter(metricBatchesTotal, "Total aggregation batches completed", "{batch}"),
		coalesceOutcomes: b.counter(metricCoalesceOutcomes, "Coalesce outcomes by kind", "{outcome}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// RecordRun records statistics for a completed pipeline run.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordRun(ctx context.Context, stats RunStats) {
	if pm == nil {
		return
	}

	pm.rowsTotal.Add(ctx, stats.Rows)
	pm.tokensTotal.Add(ctx, stats.Tokens)
	pm.batchesTotal.Add(ctx, stats.Batches)

	for _, d := range stats.RowDurations {
		pm.rowDuration.Record(ctx, d.Seconds())
	}

	pm.coalesceOutcomes.Add(ctx, stats.CoalesceMerges,
		metric.WithAttributes(attribute.String(attrOutcome, "merged")))
	pm.coalesceOutcomes.Add(ctx, stats.CoalesceFailures,
		metric.WithAttributes(attribute.String(attrOutcome, "failed")))
}
