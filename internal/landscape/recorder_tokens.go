package landscape

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// CreateRow records a source row. The canonical hash is always stored;
// the payload reference only when a payload store is configured.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]any) (*Row, error) {
	hash, ref, err := r.storePayload(data)
	if err != nil {
		return nil, err
	}

	row := &Row{
		RowID:          NewID(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: hash,
		SourceDataRef:  ref,
		CreatedAt:      r.now(),
	}

	const q = `INSERT INTO rows
		(row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
		VALUES (:row_id, :run_id, :source_node_id, :row_index, :source_data_hash, :source_data_ref, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, row); err != nil {
		return nil, fmt.Errorf("inserting row %d: %w", rowIndex, err)
	}

	return row, nil
}

// CreateToken mints the initial token for a row entering the DAG.
func (r *Recorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	token := &Token{
		TokenID:   NewID(),
		RowID:     rowID,
		CreatedAt: r.now(),
	}

	const q = `INSERT INTO tokens (token_id, row_id, created_at)
		VALUES (:token_id, :row_id, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, token); err != nil {
		return nil, fmt.Errorf("inserting token for row %s: %w", rowID, err)
	}

	return token, nil
}

// ForkToken creates one child token per branch and, in the same
// transaction, records the parent's forked outcome. Children carry the
// shared fork group and their branch name; parent links keep ordinals.
func (r *Recorder) ForkToken(ctx context.Context, runID, parentTokenID, rowID string, branches []string, step *int) ([]*Token, string, error) {
	if len(branches) == 0 {
		return nil, "", &AuditIntegrityError{Reason: "fork requires at least one branch"}
	}

	forkGroupID := NewID()
	children := make([]*Token, 0, len(branches))

	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		for ordinal, branch := range branches {
			branch := branch

			child := &Token{
				TokenID:        NewID(),
				RowID:          rowID,
				ForkGroupID:    &forkGroupID,
				BranchName:     &branch,
				StepInPipeline: step,
				CreatedAt:      r.now(),
			}

			if err := insertToken(ctx, tx, child); err != nil {
				return err
			}

			if err := insertTokenParent(ctx, tx, child.TokenID, parentTokenID, ordinal); err != nil {
				return err
			}

			children = append(children, child)
		}

		expected, err := canonical.JSON(branches)
		if err != nil {
			return fmt.Errorf("canonicalizing branch list: %w", err)
		}

		return r.insertOutcome(ctx, tx, &TokenOutcomeRecord{
			OutcomeID:            NewID(),
			RunID:                runID,
			TokenID:              parentTokenID,
			Outcome:              OutcomeForked,
			IsTerminal:           true,
			RecordedAt:           r.now(),
			ForkGroupID:          &forkGroupID,
			ExpectedBranchesJSON: ptr(string(expected)),
		})
	})
	if err != nil {
		return nil, "", fmt.Errorf("forking token %s: %w", parentTokenID, err)
	}

	return children, forkGroupID, nil
}

// CoalesceTokens creates the merged token for a set of parents. The
// parents' coalesced outcomes are recorded in the same transaction so
// no crash window leaves them dangling.
func (r *Recorder) CoalesceTokens(ctx context.Context, runID string, parentTokenIDs []string, rowID string, step *int) (*Token, error) {
	if len(parentTokenIDs) == 0 {
		return nil, &AuditIntegrityError{Reason: "coalesce requires at least one parent token"}
	}

	joinGroupID := NewID()
	merged := &Token{
		TokenID:        NewID(),
		RowID:          rowID,
		JoinGroupID:    &joinGroupID,
		StepInPipeline: step,
		CreatedAt:      r.now(),
	}

	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertToken(ctx, tx, merged); err != nil {
			return err
		}

		for ordinal, parentID := range parentTokenIDs {
			if err := insertTokenParent(ctx, tx, merged.TokenID, parentID, ordinal); err != nil {
				return err
			}

			err := r.insertOutcome(ctx, tx, &TokenOutcomeRecord{
				OutcomeID:   NewID(),
				RunID:       runID,
				TokenID:     parentID,
				Outcome:     OutcomeCoalesced,
				IsTerminal:  true,
				RecordedAt:  r.now(),
				JoinGroupID: &joinGroupID,
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coalescing %d tokens: %w", len(parentTokenIDs), err)
	}

	return merged, nil
}

// ExpandToken creates count children for a 1-to-N deaggregation. When
// recordParentOutcome is false the caller records consumed_in_batch
// instead, which is the batch-aggregation path.
func (r *Recorder) ExpandToken(ctx context.Context, runID, parentTokenID, rowID string, count int, step *int, recordParentOutcome bool) ([]*Token, string, error) {
	if count < 1 {
		return nil, "", &AuditIntegrityError{Reason: "expand requires at least one child"}
	}

	expandGroupID := NewID()
	children := make([]*Token, 0, count)

	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		for ordinal := 0; ordinal < count; ordinal++ {
			child := &Token{
				TokenID:        NewID(),
				RowID:          rowID,
				ExpandGroupID:  &expandGroupID,
				StepInPipeline: step,
				CreatedAt:      r.now(),
			}

			if err := insertToken(ctx, tx, child); err != nil {
				return err
			}

			if err := insertTokenParent(ctx, tx, child.TokenID, parentTokenID, ordinal); err != nil {
				return err
			}

			children = append(children, child)
		}

		if !recordParentOutcome {
			return nil
		}

		expected, err := canonical.JSON(map[string]any{"count": count})
		if err != nil {
			return fmt.Errorf("canonicalizing expand count: %w", err)
		}

		return r.insertOutcome(ctx, tx, &TokenOutcomeRecord{
			OutcomeID:            NewID(),
			RunID:                runID,
			TokenID:              parentTokenID,
			Outcome:              OutcomeExpanded,
			IsTerminal:           true,
			RecordedAt:           r.now(),
			ExpandGroupID:        &expandGroupID,
			ExpectedBranchesJSON: ptr(string(expected)),
		})
	})
	if err != nil {
		return nil, "", fmt.Errorf("expanding token %s: %w", parentTokenID, err)
	}

	return children, expandGroupID, nil
}

// OutcomeParams carries the per-outcome required fields of
// RecordTokenOutcome.
type OutcomeParams struct {
	SinkName      *string
	BatchID       *string
	ForkGroupID   *string
	JoinGroupID   *string
	ExpandGroupID *string
	ErrorHash     *string
	Context       map[string]any
}

// RecordTokenOutcome writes a token disposition. Each outcome type has
// required fields; the single-terminal invariant is enforced by the
// partial unique index, surfacing duplicates as an integrity error.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, runID, tokenID string, outcome TokenOutcome, params OutcomeParams) (string, error) {
	if err := validateOutcomeFields(outcome, params); err != nil {
		return "", err
	}

	var contextJSON *string

	if params.Context != nil {
		data, err := canonical.JSON(params.Context)
		if err != nil {
			return "", fmt.Errorf("canonicalizing outcome context: %w", err)
		}

		contextJSON = ptr(string(data))
	}

	rec := &TokenOutcomeRecord{
		OutcomeID:     NewID(),
		RunID:         runID,
		TokenID:       tokenID,
		Outcome:       outcome,
		IsTerminal:    outcome.IsTerminal(),
		RecordedAt:    r.now(),
		SinkName:      params.SinkName,
		BatchID:       params.BatchID,
		ForkGroupID:   params.ForkGroupID,
		JoinGroupID:   params.JoinGroupID,
		ExpandGroupID: params.ExpandGroupID,
		ErrorHash:     params.ErrorHash,
		ContextJSON:   contextJSON,
	}

	if err := r.insertOutcome(ctx, r.db.conn, rec); err != nil {
		return "", err
	}

	return rec.OutcomeID, nil
}

func validateOutcomeFields(outcome TokenOutcome, params OutcomeParams) error {
	missing := func(field string) error {
		return &AuditIntegrityError{
			Reason: fmt.Sprintf("%s outcome requires %s", outcome, field),
		}
	}

	switch outcome {
	case OutcomeCompleted, OutcomeRouted:
		if params.SinkName == nil {
			return missing("sink_name")
		}
	case OutcomeForked:
		if params.ForkGroupID == nil {
			return missing("fork_group_id")
		}
	case OutcomeCoalesced:
		if params.JoinGroupID == nil {
			return missing("join_group_id")
		}
	case OutcomeExpanded:
		if params.ExpandGroupID == nil {
			return missing("expand_group_id")
		}
	case OutcomeFailed, OutcomeQuarantined:
		if params.ErrorHash == nil {
			return missing("error_hash")
		}
	case OutcomeBuffered, OutcomeConsumedInBatch:
		if params.BatchID == nil {
			return missing("batch_id")
		}
	}

	return nil
}

func (r *Recorder) insertOutcome(ctx context.Context, ext sqlx.ExtContext, rec *TokenOutcomeRecord) error {
	const q = `INSERT INTO token_outcomes
		(outcome_id, run_id, token_id, outcome, is_terminal, recorded_at,
		 sink_name, batch_id, fork_group_id, join_group_id, expand_group_id,
		 error_hash, context_json, expected_branches_json)
		VALUES (:outcome_id, :run_id, :token_id, :outcome, :is_terminal, :recorded_at,
		 :sink_name, :batch_id, :fork_group_id, :join_group_id, :expand_group_id,
		 :error_hash, :context_json, :expected_branches_json)`

	if _, err := sqlx.NamedExecContext(ctx, ext, q, rec); err != nil {
		if rec.IsTerminal {
			return &AuditIntegrityError{
				Reason: fmt.Sprintf("recording terminal outcome %s for token %s: %v", rec.Outcome, rec.TokenID, err),
			}
		}

		return fmt.Errorf("recording outcome %s for token %s: %w", rec.Outcome, rec.TokenID, err)
	}

	return nil
}

func insertToken(ctx context.Context, tx *sqlx.Tx, token *Token) error {
	const q = `INSERT INTO tokens
		(token_id, row_id, fork_group_id, join_group_id, expand_group_id,
		 branch_name, step_in_pipeline, created_at)
		VALUES (:token_id, :row_id, :fork_group_id, :join_group_id, :expand_group_id,
		 :branch_name, :step_in_pipeline, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, tx, q, token); err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}

	return nil
}

func insertTokenParent(ctx context.Context, tx *sqlx.Tx, tokenID, parentID string, ordinal int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
		tokenID, parentID, ordinal)
	if err != nil {
		return fmt.Errorf("inserting token parent link: %w", err)
	}

	return nil
}

func ptr[T any](v T) *T {
	return &v
}
