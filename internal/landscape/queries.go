package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Read helpers. All multi-row queries order by (created_at, id) so
// exports and explains are byte-stable across runs of the same query.

// ListRuns returns runs newest first, optionally filtered by status.
func (r *Recorder) ListRuns(ctx context.Context, status *RunStatus) ([]Run, error) {
	var (
		runs []Run
		err  error
	)

	const base = `SELECT run_id, started_at, completed_at, config_hash, settings_json,
			canonical_version, source_schema_json, source_field_resolution_json,
			status, reproducibility_grade, export_status, export_error,
			exported_at, export_format, export_sink
		FROM runs`

	if status != nil {
		err = sqlx.SelectContext(ctx, r.db.conn, &runs,
			base+` WHERE status = ? ORDER BY started_at DESC, run_id DESC`, *status)
	} else {
		err = sqlx.SelectContext(ctx, r.db.conn, &runs,
			base+` ORDER BY started_at DESC, run_id DESC`)
	}

	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// GetNodes returns all registered nodes for a run in pipeline order.
func (r *Recorder) GetNodes(ctx context.Context, runID string) ([]Node, error) {
	var nodes []Node

	err := sqlx.SelectContext(ctx, r.db.conn, &nodes,
		`SELECT node_id, run_id, plugin_name, node_type, plugin_version, determinism,
			config_hash, config_json, schema_mode, schema_fields_json,
			sequence_in_pipeline, registered_at
		 FROM nodes WHERE run_id = ?
		 ORDER BY sequence_in_pipeline, node_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching nodes: %w", err)
	}

	return nodes, nil
}

// GetEdges returns all edges for a run.
func (r *Recorder) GetEdges(ctx context.Context, runID string) ([]Edge, error) {
	var edges []Edge

	err := sqlx.SelectContext(ctx, r.db.conn, &edges,
		`SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at
		 FROM edges WHERE run_id = ?
		 ORDER BY created_at, edge_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching edges: %w", err)
	}

	return edges, nil
}

// GetRow fetches one row record.
func (r *Recorder) GetRow(ctx context.Context, rowID string) (*Row, error) {
	var row Row

	err := sqlx.GetContext(ctx, r.db.conn, &row,
		`SELECT row_id, run_id, source_node_id, row_index, source_data_hash,
			source_data_ref, created_at
		 FROM rows WHERE row_id = ?`, rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRowNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("fetching row: %w", err)
	}

	return &row, nil
}

// GetRows returns all rows of a run in source order.
func (r *Recorder) GetRows(ctx context.Context, runID string) ([]Row, error) {
	var rows []Row

	err := sqlx.SelectContext(ctx, r.db.conn, &rows,
		`SELECT row_id, run_id, source_node_id, row_index, source_data_hash,
			source_data_ref, created_at
		 FROM rows WHERE run_id = ?
		 ORDER BY row_index, row_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching rows: %w", err)
	}

	return rows, nil
}

// GetToken fetches one token.
func (r *Recorder) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	var token Token

	err := sqlx.GetContext(ctx, r.db.conn, &token,
		`SELECT token_id, row_id, fork_group_id, join_group_id, expand_group_id,
			branch_name, step_in_pipeline, created_at
		 FROM tokens WHERE token_id = ?`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("fetching token: %w", err)
	}

	return &token, nil
}

// GetTokensForRow returns all tokens derived from one row.
func (r *Recorder) GetTokensForRow(ctx context.Context, rowID string) ([]Token, error) {
	var tokens []Token

	err := sqlx.SelectContext(ctx, r.db.conn, &tokens,
		`SELECT token_id, row_id, fork_group_id, join_group_id, expand_group_id,
			branch_name, step_in_pipeline, created_at
		 FROM tokens WHERE row_id = ?
		 ORDER BY created_at, token_id`, rowID)
	if err != nil {
		return nil, fmt.Errorf("fetching tokens for row: %w", err)
	}

	return tokens, nil
}

// GetTokenParents returns parent links for a token in ordinal order.
func (r *Recorder) GetTokenParents(ctx context.Context, tokenID string) ([]TokenParent, error) {
	var parents []TokenParent

	err := sqlx.SelectContext(ctx, r.db.conn, &parents,
		`SELECT token_id, parent_token_id, ordinal
		 FROM token_parents WHERE token_id = ?
		 ORDER BY ordinal`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("fetching token parents: %w", err)
	}

	return parents, nil
}

// GetNodeStatesForToken returns the per-node visit trail of a token.
func (r *Recorder) GetNodeStatesForToken(ctx context.Context, tokenID string) ([]NodeState, error) {
	var states []NodeState

	err := sqlx.SelectContext(ctx, r.db.conn, &states,
		`SELECT state_id, token_id, run_id, node_id, step_index, attempt, status,
			input_hash, output_hash, context_before_json, context_after_json,
			duration_ms, error_json, success_reason_json, started_at, completed_at
		 FROM node_states WHERE token_id = ?
		 ORDER BY step_index, attempt, state_id`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("fetching node states: %w", err)
	}

	return states, nil
}

// GetRoutingEvents returns routing decisions recorded under a state.
func (r *Recorder) GetRoutingEvents(ctx context.Context, stateID string) ([]RoutingEvent, error) {
	var events []RoutingEvent

	err := sqlx.SelectContext(ctx, r.db.conn, &events,
		`SELECT event_id, state_id, edge_id, routing_group_id, ordinal, mode,
			reason_hash, reason_ref, created_at
		 FROM routing_events WHERE state_id = ?
		 ORDER BY ordinal, event_id`, stateID)
	if err != nil {
		return nil, fmt.Errorf("fetching routing events: %w", err)
	}

	return events, nil
}

// GetCalls returns external calls recorded under a node state.
func (r *Recorder) GetCalls(ctx context.Context, stateID string) ([]Call, error) {
	var calls []Call

	err := sqlx.SelectContext(ctx, r.db.conn, &calls,
		`SELECT call_id, state_id, operation_id, call_index, call_type, status,
			request_hash, request_ref, response_hash, response_ref, error_json,
			latency_ms, created_at
		 FROM calls WHERE state_id = ?
		 ORDER BY call_index`, stateID)
	if err != nil {
		return nil, fmt.Errorf("fetching calls: %w", err)
	}

	return calls, nil
}

// GetOperationCalls returns external calls recorded under an operation.
func (r *Recorder) GetOperationCalls(ctx context.Context, operationID string) ([]Call, error) {
	var calls []Call

	err := sqlx.SelectContext(ctx, r.db.conn, &calls,
		`SELECT call_id, state_id, operation_id, call_index, call_type, status,
			request_hash, request_ref, response_hash, response_ref, error_json,
			latency_ms, created_at
		 FROM calls WHERE operation_id = ?
		 ORDER BY call_index`, operationID)
	if err != nil {
		return nil, fmt.Errorf("fetching operation calls: %w", err)
	}

	return calls, nil
}

// GetOperationsForRun returns source/sink operations of a run.
func (r *Recorder) GetOperationsForRun(ctx context.Context, runID string) ([]Operation, error) {
	var ops []Operation

	err := sqlx.SelectContext(ctx, r.db.conn, &ops,
		`SELECT operation_id, run_id, node_id, operation_type, started_at,
			completed_at, status, input_data_ref, output_data_ref,
			error_message, duration_ms
		 FROM operations WHERE run_id = ?
		 ORDER BY started_at, operation_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching operations: %w", err)
	}

	return ops, nil
}

// GetArtifacts returns sink artifacts of a run.
func (r *Recorder) GetArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var artifacts []Artifact

	err := sqlx.SelectContext(ctx, r.db.conn, &artifacts,
		`SELECT artifact_id, run_id, produced_by_state_id, sink_node_id,
			artifact_type, path_or_uri, content_hash, size_bytes,
			idempotency_key, created_at
		 FROM artifacts WHERE run_id = ?
		 ORDER BY created_at, artifact_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching artifacts: %w", err)
	}

	return artifacts, nil
}

// GetTokenOutcome returns the terminal outcome for a token if one
// exists, otherwise the latest non-terminal outcome, otherwise nil.
func (r *Recorder) GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcomeRecord, error) {
	var rec TokenOutcomeRecord

	err := sqlx.GetContext(ctx, r.db.conn, &rec,
		`SELECT outcome_id, run_id, token_id, outcome, is_terminal, recorded_at,
			sink_name, batch_id, fork_group_id, join_group_id, expand_group_id,
			error_hash, context_json, expected_branches_json
		 FROM token_outcomes WHERE token_id = ?
		 ORDER BY is_terminal DESC, recorded_at DESC, outcome_id DESC LIMIT 1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching token outcome: %w", err)
	}

	return &rec, nil
}

// GetTokenOutcomesForRow returns all outcomes across a row's tokens in
// one join, avoiding the N+1 walk during explain.
func (r *Recorder) GetTokenOutcomesForRow(ctx context.Context, runID, rowID string) ([]TokenOutcomeRecord, error) {
	var recs []TokenOutcomeRecord

	err := sqlx.SelectContext(ctx, r.db.conn, &recs,
		`SELECT o.outcome_id, o.run_id, o.token_id, o.outcome, o.is_terminal,
			o.recorded_at, o.sink_name, o.batch_id, o.fork_group_id,
			o.join_group_id, o.expand_group_id, o.error_hash, o.context_json,
			o.expected_branches_json
		 FROM token_outcomes o
		 JOIN tokens t ON t.token_id = o.token_id
		 WHERE t.row_id = ? AND o.run_id = ?
		 ORDER BY o.recorded_at, o.outcome_id`, rowID, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching outcomes for row: %w", err)
	}

	return recs, nil
}

// GetBatch fetches one batch.
func (r *Recorder) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var batch Batch

	err := sqlx.GetContext(ctx, r.db.conn, &batch,
		`SELECT batch_id, run_id, aggregation_node_id, aggregation_state_id,
			trigger_reason, trigger_type, attempt, status, created_at, completed_at
		 FROM batches WHERE batch_id = ?`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, sql.ErrNoRows)
	}

	if err != nil {
		return nil, fmt.Errorf("fetching batch: %w", err)
	}

	return &batch, nil
}

// GetBatchMembers returns a batch's member tokens in ordinal order.
func (r *Recorder) GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	var members []BatchMember

	err := sqlx.SelectContext(ctx, r.db.conn, &members,
		`SELECT batch_id, token_id, ordinal
		 FROM batch_members WHERE batch_id = ?
		 ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("fetching batch members: %w", err)
	}

	return members, nil
}

// GetValidationErrors returns the schema rejections of a run.
func (r *Recorder) GetValidationErrors(ctx context.Context, runID string) ([]ValidationErrorRecord, error) {
	var recs []ValidationErrorRecord

	err := sqlx.SelectContext(ctx, r.db.conn, &recs,
		`SELECT error_id, run_id, node_id, row_hash, row_data_json, error,
			schema_mode, destination, created_at
		 FROM validation_errors WHERE run_id = ?
		 ORDER BY created_at, error_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching validation errors: %w", err)
	}

	return recs, nil
}

// GetTransformErrors returns the transform rejections of a run.
func (r *Recorder) GetTransformErrors(ctx context.Context, runID string) ([]TransformErrorRecord, error) {
	var recs []TransformErrorRecord

	err := sqlx.SelectContext(ctx, r.db.conn, &recs,
		`SELECT error_id, run_id, token_id, transform_id, row_hash, row_data_json,
			error_details_json, destination, created_at
		 FROM transform_errors WHERE run_id = ?
		 ORDER BY created_at, error_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetching transform errors: %w", err)
	}

	return recs, nil
}
