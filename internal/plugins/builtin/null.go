package builtin

import (
	"context"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// NullSource yields no rows. The resume driver swaps it in for the
// original source so a resumed run drains buffered work (coalesces,
// aggregations, checkpointed cursors) without re-reading input.
type NullSource struct {
	contract  *schema.Contract
	onSuccess string
}

// NewNullSource builds a null source preserving the original source's
// contract and downstream edge label.
func NewNullSource(contract *schema.Contract, onSuccess string) *NullSource {
	if contract == nil {
		contract, _ = schema.New(schema.ModeDynamic, nil)
	}

	if onSuccess == "" {
		onSuccess = "continue"
	}

	return &NullSource{contract: contract, onSuccess: onSuccess}
}

type emptyIterator struct{}

func (emptyIterator) Next(context.Context) (plugins.Row, bool, error) { return nil, false, nil }
func (emptyIterator) Close() error                                    { return nil }

// Load returns an exhausted iterator.
func (s *NullSource) Load(_ context.Context, _ *plugins.Context) (plugins.RowIterator, error) {
	return emptyIterator{}, nil
}

// SchemaContract returns the preserved contract.
func (s *NullSource) SchemaContract() *schema.Contract { return s.contract }

// FieldResolution reports no renames.
func (s *NullSource) FieldResolution() map[string]string { return nil }

// OnSuccess names the preserved downstream edge label.
func (s *NullSource) OnSuccess() string { return s.onSuccess }

// SupportsResume is true by construction.
func (s *NullSource) SupportsResume() bool { return true }

// ConfigureForResume is a no-op.
func (s *NullSource) ConfigureForResume() error { return nil }

// Close is a no-op.
func (s *NullSource) Close() error { return nil }
