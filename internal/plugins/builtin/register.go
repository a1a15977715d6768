package builtin

import (
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

const version = "1.0.0"

func init() {
	plugins.Default.RegisterSource(plugins.Entry[plugins.Source]{
		Name:        "csv",
		Version:     version,
		Determinism: landscape.IORead,
		New:         newCSVSourceFromConfig,
	})
	plugins.Default.RegisterSource(plugins.Entry[plugins.Source]{
		Name:        "memory",
		Version:     version,
		Determinism: landscape.Deterministic,
		New:         newMemorySourceFromConfig,
	})
	plugins.Default.RegisterSource(plugins.Entry[plugins.Source]{
		Name:        "null",
		Version:     version,
		Determinism: landscape.Deterministic,
		New: func(map[string]any) (plugins.Source, error) {
			return NewNullSource(nil, ""), nil
		},
	})

	plugins.Default.RegisterTransform(plugins.Entry[plugins.Transform]{
		Name:        "field_map",
		Version:     version,
		Determinism: landscape.Deterministic,
		New:         newFieldMapFromConfig,
	})

	plugins.Default.RegisterBatchTransform(plugins.Entry[plugins.BatchTransform]{
		Name:        "http",
		Version:     version,
		Determinism: landscape.Nondeterministic,
		New:         newHTTPBatchFromConfig,
	})

	plugins.Default.RegisterSink(plugins.Entry[plugins.Sink]{
		Name:        "csv",
		Version:     version,
		Determinism: landscape.IOWrite,
		New:         newCSVSinkFromConfig,
	})
	plugins.Default.RegisterSink(plugins.Entry[plugins.Sink]{
		Name:        "jsonl",
		Version:     version,
		Determinism: landscape.IOWrite,
		New:         newJSONLSinkFromConfig,
	})
	plugins.Default.RegisterSink(plugins.Entry[plugins.Sink]{
		Name:        "memory",
		Version:     version,
		Determinism: landscape.Deterministic,
		New: func(map[string]any) (plugins.Sink, error) {
			return NewMemorySink(), nil
		},
	})
	plugins.Default.RegisterSink(plugins.Entry[plugins.Sink]{
		Name:        "visual_report",
		Version:     version,
		Determinism: landscape.IOWrite,
		New:         newVisualReportFromConfig,
	})

	plugins.Default.RegisterGate(plugins.Entry[plugins.Gate]{
		Name:        "expression",
		Version:     version,
		Determinism: landscape.Deterministic,
		New:         newExpressionGateFromConfig,
	})

	plugins.Default.RegisterAggregation(plugins.Entry[plugins.Aggregation]{
		Name:        "count",
		Version:     version,
		Determinism: landscape.Deterministic,
		New:         newCountAggregationFromConfig,
	})
	plugins.Default.RegisterAggregation(plugins.Entry[plugins.Aggregation]{
		Name:        "window",
		Version:     version,
		Determinism: landscape.Deterministic,
		New:         newWindowAggregationFromConfig,
	})
}
