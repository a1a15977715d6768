package builtin

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

// CountAggregation buffers rows and emits one summary row when the
// trigger count is reached or the source drains. Optional sum fields
// accumulate numeric totals.
type CountAggregation struct {
	triggerCount int
	sumFields    []string

	buffered int
	sums     map[string]float64
}

func newCountAggregationFromConfig(config map[string]any) (plugins.Aggregation, error) {
	n := intOption(config, "trigger_count", 0)
	if n <= 0 {
		return nil, configErrorf("count aggregation", "trigger_count", "must be a positive integer")
	}

	sumFields, err := stringSliceOption("count aggregation", config, "sum_fields")
	if err != nil {
		return nil, err
	}

	return &CountAggregation{
		triggerCount: n,
		sumFields:    sumFields,
		sums:         map[string]float64{},
	}, nil
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}

	return 0, false
}

// Accept buffers one row.
func (a *CountAggregation) Accept(_ context.Context, _ *plugins.Context, row plugins.Row) (bool, error) {
	a.buffered++

	for _, field := range a.sumFields {
		v, ok := numeric(row[field])
		if !ok {
			return false, fmt.Errorf("count aggregation: field %q is not numeric", field)
		}

		a.sums[field] += v
	}

	return a.buffered >= a.triggerCount, nil
}

// Finalize emits the summary row and resets the buffer. An empty
// buffer emits nothing.
func (a *CountAggregation) Finalize(_ context.Context, _ *plugins.Context) ([]plugins.Row, error) {
	if a.buffered == 0 {
		return nil, nil
	}

	out := plugins.Row{"count": int64(a.buffered)}

	for field, sum := range a.sums {
		out[field+"_sum"] = sum
	}

	a.buffered = 0
	a.sums = map[string]float64{}

	return []plugins.Row{out}, nil
}

// TriggerDescription names the flush condition for the batch record.
func (a *CountAggregation) TriggerDescription() (string, string) {
	return "count", fmt.Sprintf("buffer reached %d rows", a.triggerCount)
}

// WindowAggregation buffers rows and releases them as a block when the
// window fills. Rows pass through unchanged with their window position
// annotated.
type WindowAggregation struct {
	windowSize int
	window     int

	rows []plugins.Row
}

func newWindowAggregationFromConfig(config map[string]any) (plugins.Aggregation, error) {
	n := intOption(config, "window_size", 0)
	if n <= 0 {
		return nil, configErrorf("window aggregation", "window_size", "must be a positive integer")
	}

	return &WindowAggregation{windowSize: n}, nil
}

// Accept buffers one row.
func (a *WindowAggregation) Accept(_ context.Context, _ *plugins.Context, row plugins.Row) (bool, error) {
	a.rows = append(a.rows, plugins.CloneRow(row))

	return len(a.rows) >= a.windowSize, nil
}

// Finalize releases the buffered window.
func (a *WindowAggregation) Finalize(_ context.Context, _ *plugins.Context) ([]plugins.Row, error) {
	if len(a.rows) == 0 {
		return nil, nil
	}

	out := a.rows
	a.rows = nil

	for i, row := range out {
		row["window"] = int64(a.window)
		row["window_index"] = int64(i)
	}

	a.window++

	return out, nil
}

// TriggerDescription names the flush condition for the batch record.
func (a *WindowAggregation) TriggerDescription() (string, string) {
	return "window", fmt.Sprintf("window of %d rows filled", a.windowSize)
}
