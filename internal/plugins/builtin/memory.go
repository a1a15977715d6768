package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// MemorySource serves a fixed slice of rows. Used by tests and by
// pipelines embedding the engine as a library.
type MemorySource struct {
	rows      []plugins.Row
	contract  *schema.Contract
	onSuccess string
}

// NewMemorySource wraps rows in a source. A nil contract means dynamic.
func NewMemorySource(rows []plugins.Row, contract *schema.Contract, onSuccess string) *MemorySource {
	if contract == nil {
		contract, _ = schema.New(schema.ModeDynamic, nil)
	}

	if onSuccess == "" {
		onSuccess = "continue"
	}

	return &MemorySource{rows: rows, contract: contract, onSuccess: onSuccess}
}

func newMemorySourceFromConfig(config map[string]any) (plugins.Source, error) {
	contract, err := schemaOption("memory source", config)
	if err != nil {
		return nil, err
	}

	var rows []plugins.Row

	switch raw := config["rows"].(type) {
	case nil:
	case []plugins.Row:
		rows = raw
	case []any:
		for i, item := range raw {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, configErrorf("memory source", "rows", "row %d is %T, expected map", i, item)
			}

			rows = append(rows, row)
		}
	default:
		return nil, configErrorf("memory source", "rows", "expected list of rows, found %T", raw)
	}

	return NewMemorySource(rows, contract, stringOption(config, "on_success", "continue")), nil
}

type sliceIterator struct {
	rows []plugins.Row
	pos  int
}

func (it *sliceIterator) Next(ctx context.Context) (plugins.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if it.pos >= len(it.rows) {
		return nil, false, nil
	}

	row := plugins.CloneRow(it.rows[it.pos])
	it.pos++

	return row, true, nil
}

func (it *sliceIterator) Close() error { return nil }

// Load returns an iterator over the configured rows.
func (s *MemorySource) Load(_ context.Context, _ *plugins.Context) (plugins.RowIterator, error) {
	return &sliceIterator{rows: s.rows}, nil
}

// SchemaContract returns the source contract.
func (s *MemorySource) SchemaContract() *schema.Contract { return s.contract }

// FieldResolution reports no renames.
func (s *MemorySource) FieldResolution() map[string]string { return nil }

// OnSuccess names the default downstream edge label.
func (s *MemorySource) OnSuccess() string { return s.onSuccess }

// SupportsResume is false; memory sources cannot skip to a cursor.
func (s *MemorySource) SupportsResume() bool { return false }

// ConfigureForResume always fails.
func (s *MemorySource) ConfigureForResume() error {
	return fmt.Errorf("memory source does not support resume")
}

// Close is a no-op.
func (s *MemorySource) Close() error { return nil }

// MemorySink collects written rows for inspection.
type MemorySink struct {
	mu      sync.Mutex
	rows    []plugins.Row
	flushes int
}

// NewMemorySink returns an empty collecting sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write appends rows and returns a descriptor hashing the batch.
func (s *MemorySink) Write(_ context.Context, _ *plugins.Context, rows []plugins.Row) (*plugins.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.rows = append(s.rows, plugins.CloneRow(row))
	}

	hash, err := canonical.Hash(rows)
	if err != nil {
		return nil, fmt.Errorf("hash written rows: %w", err)
	}

	return &plugins.ArtifactDescriptor{
		ArtifactType: "memory",
		PathOrURI:    "memory://sink",
		ContentHash:  hash,
		SizeBytes:    int64(len(rows)),
	}, nil
}

// Rows snapshots everything written so far.
func (s *MemorySink) Rows() []plugins.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]plugins.Row, len(s.rows))
	copy(out, s.rows)

	return out
}

// Flush counts flushes; there is no buffering.
func (s *MemorySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushes++

	return nil
}

// Flushes reports how many times Flush ran.
func (s *MemorySink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushes
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// SupportsResume is true; appending to a slice is naturally resumable.
func (s *MemorySink) SupportsResume() bool { return true }

// ConfigureForResume is a no-op.
func (s *MemorySink) ConfigureForResume() error { return nil }

// ValidateOutputTarget always succeeds.
func (s *MemorySink) ValidateOutputTarget() (*plugins.ValidationResult, error) {
	return &plugins.ValidationResult{Valid: true}, nil
}

// SetResumeFieldResolution is a no-op.
func (s *MemorySink) SetResumeFieldResolution(map[string]string) {}
