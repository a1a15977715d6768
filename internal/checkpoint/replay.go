package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// replaySource yields the unfinished rows of an interrupted run,
// reading each payload back from the store by its recorded hash. With
// nothing pending it yields nothing, like a null source.
type replaySource struct {
	store    payload.Store
	pending  []landscape.Row
	contract *schema.Contract
	label    string
}

type replayIterator struct {
	store   payload.Store
	pending []landscape.Row
	pos     int
}

func (it *replayIterator) Next(ctx context.Context) (plugins.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if it.pos >= len(it.pending) {
		return nil, false, nil
	}

	rec := it.pending[it.pos]
	it.pos++

	data, err := it.store.Retrieve(rec.SourceDataHash)
	if err != nil {
		return nil, false, fmt.Errorf("replaying row %s: %w", rec.RowID, err)
	}

	var row plugins.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false, fmt.Errorf("decoding replayed row %s: %w", rec.RowID, err)
	}

	return row, true, nil
}

func (it *replayIterator) Close() error { return nil }

func (s *replaySource) Load(_ context.Context, _ *plugins.Context) (plugins.RowIterator, error) {
	return &replayIterator{store: s.store, pending: s.pending}, nil
}

func (s *replaySource) SchemaContract() *schema.Contract { return s.contract }

func (s *replaySource) FieldResolution() map[string]string { return nil }

func (s *replaySource) OnSuccess() string { return s.label }

func (s *replaySource) SupportsResume() bool { return true }

func (s *replaySource) ConfigureForResume() error { return nil }

func (s *replaySource) Close() error { return nil }
