package landscape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
)

// RowLineage is the explain projection for one row: where it came
// from, the token path that answered the question, and whether the
// original payload is still retrievable. The hash survives purge, so
// a lineage with PayloadAvailable false is still verifiable.
type RowLineage struct {
	RowID            string
	RunID            string
	SourceNodeID     string
	RowIndex         int
	SourceDataHash   string
	SourceData       map[string]any
	PayloadAvailable bool

	Token    *Token
	Outcome  *TokenOutcomeRecord
	States   []NodeState
	Parents  []TokenParent
	Siblings []TokenOutcomeRecord
}

// ExplainRow reconstructs the lineage of a row. When the row produced
// multiple terminal tokens (fork or expand downstream), sinkName must
// name which terminal path to follow; otherwise ErrAmbiguousLineage.
func (r *Recorder) ExplainRow(ctx context.Context, runID, rowID string, sinkName *string) (*RowLineage, error) {
	row, err := r.GetRow(ctx, rowID)
	if err != nil {
		return nil, err
	}

	if row.RunID != runID {
		return nil, ErrRowNotFound
	}

	lineage := &RowLineage{
		RowID:          row.RowID,
		RunID:          row.RunID,
		SourceNodeID:   row.SourceNodeID,
		RowIndex:       row.RowIndex,
		SourceDataHash: row.SourceDataHash,
	}

	if err := r.loadRowPayload(row, lineage); err != nil {
		return nil, err
	}

	outcomes, err := r.GetTokenOutcomesForRow(ctx, runID, rowID)
	if err != nil {
		return nil, err
	}

	terminal := make([]TokenOutcomeRecord, 0, len(outcomes))

	for _, o := range outcomes {
		if o.IsTerminal {
			terminal = append(terminal, o)
		}
	}

	lineage.Siblings = terminal

	selected, err := selectTerminal(terminal, sinkName, rowID)
	if err != nil {
		return nil, err
	}

	if selected == nil {
		return lineage, nil
	}

	lineage.Outcome = selected

	token, err := r.GetToken(ctx, selected.TokenID)
	if err != nil {
		return nil, err
	}

	lineage.Token = token

	lineage.States, err = r.GetNodeStatesForToken(ctx, token.TokenID)
	if err != nil {
		return nil, err
	}

	lineage.Parents, err = r.GetTokenParents(ctx, token.TokenID)
	if err != nil {
		return nil, err
	}

	return lineage, nil
}

func selectTerminal(terminal []TokenOutcomeRecord, sinkName *string, rowID string) (*TokenOutcomeRecord, error) {
	if len(terminal) == 0 {
		return nil, nil
	}

	if sinkName != nil {
		var match *TokenOutcomeRecord

		for i := range terminal {
			o := &terminal[i]
			if o.SinkName != nil && *o.SinkName == *sinkName {
				if match != nil {
					return nil, fmt.Errorf("row %s has multiple terminal tokens at sink %s: %w",
						rowID, *sinkName, ErrAmbiguousLineage)
				}

				match = o
			}
		}

		if match == nil {
			return nil, fmt.Errorf("row %s has no terminal token at sink %s: %w",
				rowID, *sinkName, ErrTokenNotFound)
		}

		return match, nil
	}

	if len(terminal) > 1 {
		return nil, fmt.Errorf("row %s: %w", rowID, ErrAmbiguousLineage)
	}

	return &terminal[0], nil
}

// loadRowPayload attempts payload retrieval, degrading gracefully on
// purge but failing hard on corruption. A purged payload is expected
// operations behavior; a corrupt one means the store cannot be trusted.
func (r *Recorder) loadRowPayload(row *Row, lineage *RowLineage) error {
	if row.SourceDataRef == nil || r.payloads == nil {
		return nil
	}

	data, err := r.payloads.Retrieve(*row.SourceDataRef)
	if errors.Is(err, payload.ErrNotFound) {
		return nil
	}

	var integrity *payload.IntegrityError

	if errors.As(err, &integrity) {
		return &AuditIntegrityError{
			Reason: fmt.Sprintf("corrupt payload for row %s: %v", row.RowID, err),
		}
	}

	if err != nil {
		r.logger.Warn("payload retrieval failed", "row_id", row.RowID, "error", err)

		return nil
	}

	var decoded map[string]any

	if err := json.Unmarshal(data, &decoded); err != nil {
		return &AuditIntegrityError{
			Reason: fmt.Sprintf("corrupt payload for row %s: %v", row.RowID, err),
		}
	}

	lineage.SourceData = decoded
	lineage.PayloadAvailable = true

	return nil
}
