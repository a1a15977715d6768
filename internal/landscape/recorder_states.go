package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// BeginNodeState opens a node-state record for a token visiting a node.
// Retries increment attempt; the (token, node, attempt) triple is
// unique so a duplicate begin surfaces as an integrity error.
func (r *Recorder) BeginNodeState(ctx context.Context, runID, tokenID, nodeID string, stepIndex, attempt int, input map[string]any, contextBefore map[string]any) (*NodeState, error) {
	inputHash, err := canonical.Hash(input)
	if err != nil {
		return nil, fmt.Errorf("hashing node input: %w", err)
	}

	var contextJSON *string

	if contextBefore != nil {
		data, err := canonical.JSON(contextBefore)
		if err != nil {
			return nil, fmt.Errorf("canonicalizing context: %w", err)
		}

		contextJSON = ptr(string(data))
	}

	state := &NodeState{
		StateID:           NewID(),
		TokenID:           tokenID,
		RunID:             runID,
		NodeID:            nodeID,
		StepIndex:         stepIndex,
		Attempt:           attempt,
		Status:            StateOpen,
		InputHash:         inputHash,
		ContextBeforeJSON: contextJSON,
		StartedAt:         r.now(),
	}

	const q = `INSERT INTO node_states
		(state_id, token_id, run_id, node_id, step_index, attempt, status,
		 input_hash, context_before_json, started_at)
		VALUES (:state_id, :token_id, :run_id, :node_id, :step_index, :attempt, :status,
		 :input_hash, :context_before_json, :started_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, state); err != nil {
		return nil, fmt.Errorf("beginning node state for token %s at %s: %w", tokenID, nodeID, err)
	}

	return state, nil
}

// CompleteNodeState closes an open state as completed. A completed
// state must carry an output hash; that is the invariant that makes
// replay verification possible.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID string, output map[string]any, contextAfter map[string]any, successReason map[string]any) error {
	outputHash, err := canonical.Hash(output)
	if err != nil {
		return fmt.Errorf("hashing node output: %w", err)
	}

	var contextJSON, reasonJSON *string

	if contextAfter != nil {
		data, err := canonical.JSON(contextAfter)
		if err != nil {
			return fmt.Errorf("canonicalizing context: %w", err)
		}

		contextJSON = ptr(string(data))
	}

	if successReason != nil {
		data, err := canonical.JSON(successReason)
		if err != nil {
			return fmt.Errorf("canonicalizing success reason: %w", err)
		}

		reasonJSON = ptr(string(data))
	}

	return r.closeNodeState(ctx, stateID, StateCompleted, &outputHash, contextJSON, nil, reasonJSON)
}

// FailNodeState closes an open state as failed with structured error
// details. Failed states never carry an output hash.
func (r *Recorder) FailNodeState(ctx context.Context, stateID string, errDetails map[string]any) error {
	data, err := canonical.JSON(errDetails)
	if err != nil {
		return fmt.Errorf("canonicalizing error details: %w", err)
	}

	return r.closeNodeState(ctx, stateID, StateFailed, nil, nil, ptr(string(data)), nil)
}

// closeNodeState is the shared atomic check-and-update. The WHERE
// clause constrains status to open so a double close is detected
// without a read-then-write race.
func (r *Recorder) closeNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputHash, contextAfter, errorJSON, successReason *string) error {
	completedAt := r.now()

	const q = `UPDATE node_states
		SET status = ?, output_hash = ?, context_after_json = ?, error_json = ?,
			success_reason_json = ?, completed_at = ?,
			duration_ms = (julianday(?) - julianday(started_at)) * 86400000.0
		WHERE state_id = ? AND status = ?`

	res, err := r.db.conn.ExecContext(ctx, q,
		status, outputHash, contextAfter, errorJSON, successReason,
		completedAt, completedAt, stateID, StateOpen)
	if err != nil {
		return fmt.Errorf("closing node state %s: %w", stateID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var current string

		err := sqlx.GetContext(ctx, r.db.conn, &current,
			`SELECT status FROM node_states WHERE state_id = ?`, stateID)
		if errors.Is(err, sql.ErrNoRows) {
			return &AuditIntegrityError{Reason: fmt.Sprintf("closing unknown node state %s", stateID)}
		}

		if err != nil {
			return fmt.Errorf("inspecting node state %s: %w", stateID, err)
		}

		return &AuditIntegrityError{
			Reason: fmt.Sprintf("closing node state %s as %s: already %s", stateID, status, current),
		}
	}

	return nil
}

// RoutedEdge is one destination of a routing decision.
type RoutedEdge struct {
	EdgeID string
	Mode   EdgeMode
	Reason map[string]any
}

// RecordRoutingEvents writes one event per destination edge under a
// shared routing group. Ordinals make the fanout order replayable.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, edges []RoutedEdge) (string, error) {
	if len(edges) == 0 {
		return "", &AuditIntegrityError{Reason: "routing decision with no destination edges"}
	}

	routingGroupID := NewID()

	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		for ordinal, edge := range edges {
			var reasonHash, reasonRef *string

			if edge.Reason != nil {
				hash, ref, err := r.storePayload(edge.Reason)
				if err != nil {
					return err
				}

				reasonHash, reasonRef = &hash, ref
			}

			event := &RoutingEvent{
				EventID:        NewID(),
				StateID:        stateID,
				EdgeID:         edge.EdgeID,
				RoutingGroupID: routingGroupID,
				Ordinal:        ordinal,
				Mode:           edge.Mode,
				ReasonHash:     reasonHash,
				ReasonRef:      reasonRef,
				CreatedAt:      r.now(),
			}

			const q = `INSERT INTO routing_events
				(event_id, state_id, edge_id, routing_group_id, ordinal, mode,
				 reason_hash, reason_ref, created_at)
				VALUES (:event_id, :state_id, :edge_id, :routing_group_id, :ordinal, :mode,
				 :reason_hash, :reason_ref, :created_at)`

			if _, err := sqlx.NamedExecContext(ctx, tx, q, event); err != nil {
				return fmt.Errorf("inserting routing event: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("recording routing events for state %s: %w", stateID, err)
	}

	return routingGroupID, nil
}

// CreateBatch opens a draft batch for an aggregation node.
func (r *Recorder) CreateBatch(ctx context.Context, runID, aggregationNodeID string, attempt int) (*Batch, error) {
	batch := &Batch{
		BatchID:           NewID(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Attempt:           attempt,
		Status:            BatchDraft,
		CreatedAt:         r.now(),
	}

	const q = `INSERT INTO batches
		(batch_id, run_id, aggregation_node_id, attempt, status, created_at)
		VALUES (:batch_id, :run_id, :aggregation_node_id, :attempt, :status, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, batch); err != nil {
		return nil, fmt.Errorf("creating batch for node %s: %w", aggregationNodeID, err)
	}

	return batch, nil
}

// AddBatchMember joins a token into a draft batch at the next ordinal.
func (r *Recorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	_, err := r.db.conn.ExecContext(ctx,
		`INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
		batchID, tokenID, ordinal)
	if err != nil {
		return fmt.Errorf("adding token %s to batch %s: %w", tokenID, batchID, err)
	}

	return nil
}

// BeginBatchExecution moves a draft batch to executing and stamps the
// trigger that flushed it.
func (r *Recorder) BeginBatchExecution(ctx context.Context, batchID, stateID, triggerType, triggerReason string) error {
	res, err := r.db.conn.ExecContext(ctx,
		`UPDATE batches
		 SET status = ?, aggregation_state_id = ?, trigger_type = ?, trigger_reason = ?
		 WHERE batch_id = ? AND status = ?`,
		BatchExecuting, stateID, triggerType, triggerReason, batchID, BatchDraft)
	if err != nil {
		return fmt.Errorf("beginning batch execution: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &AuditIntegrityError{
			Reason: fmt.Sprintf("batch %s is not in draft status", batchID),
		}
	}

	return nil
}

// CompleteBatch closes an executing batch as completed or failed.
func (r *Recorder) CompleteBatch(ctx context.Context, batchID string, status BatchStatus) error {
	if status != BatchCompleted && status != BatchFailed {
		return &AuditIntegrityError{
			Reason: fmt.Sprintf("complete batch requires completed or failed, got %q", status),
		}
	}

	res, err := r.db.conn.ExecContext(ctx,
		`UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ? AND status = ?`,
		status, r.now(), batchID, BatchExecuting)
	if err != nil {
		return fmt.Errorf("completing batch: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return &AuditIntegrityError{
			Reason: fmt.Sprintf("batch %s is not executing", batchID),
		}
	}

	return nil
}

// RecordBatchOutput links a batch to one of its outputs, either a
// child token or an artifact.
func (r *Recorder) RecordBatchOutput(ctx context.Context, batchID, outputType, outputID string) error {
	_, err := r.db.conn.ExecContext(ctx,
		`INSERT INTO batch_outputs (batch_output_id, batch_id, output_type, output_id)
		 VALUES (?, ?, ?, ?)`,
		NewID(), batchID, outputType, outputID)
	if err != nil {
		return fmt.Errorf("recording batch output: %w", err)
	}

	return nil
}

// RecordArtifact registers a sink output.
func (r *Recorder) RecordArtifact(ctx context.Context, a *Artifact) error {
	if a.ArtifactID == "" {
		a.ArtifactID = NewID()
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now()
	}

	const q = `INSERT INTO artifacts
		(artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type,
		 path_or_uri, content_hash, size_bytes, idempotency_key, created_at)
		VALUES (:artifact_id, :run_id, :produced_by_state_id, :sink_node_id, :artifact_type,
		 :path_or_uri, :content_hash, :size_bytes, :idempotency_key, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, a); err != nil {
		return fmt.Errorf("recording artifact %s: %w", a.PathOrURI, err)
	}

	return nil
}

// RecordValidationError stores a row rejected by schema validation at
// the source. The row never received a token, so it is keyed by hash.
func (r *Recorder) RecordValidationError(ctx context.Context, rec *ValidationErrorRecord) error {
	if rec.ErrorID == "" {
		rec.ErrorID = NewID()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}

	const q = `INSERT INTO validation_errors
		(error_id, run_id, node_id, row_hash, row_data_json, error, schema_mode, destination, created_at)
		VALUES (:error_id, :run_id, :node_id, :row_hash, :row_data_json, :error, :schema_mode, :destination, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, rec); err != nil {
		return fmt.Errorf("recording validation error: %w", err)
	}

	return nil
}

// RecordTransformError stores a row a transform rejected through its
// error result channel.
func (r *Recorder) RecordTransformError(ctx context.Context, rec *TransformErrorRecord) error {
	if rec.ErrorID == "" {
		rec.ErrorID = NewID()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}

	const q = `INSERT INTO transform_errors
		(error_id, run_id, token_id, transform_id, row_hash, row_data_json,
		 error_details_json, destination, created_at)
		VALUES (:error_id, :run_id, :token_id, :transform_id, :row_hash, :row_data_json,
		 :error_details_json, :destination, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, rec); err != nil {
		return fmt.Errorf("recording transform error: %w", err)
	}

	return nil
}

// RecordCheckpoint appends a resume cursor. Sequence numbers increase
// monotonically per run; the latest checkpoint wins on resume.
func (r *Recorder) RecordCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = NewID()
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.now()
	}

	const q = `INSERT INTO checkpoints
		(checkpoint_id, run_id, token_id, node_id, sequence_number,
		 aggregation_state_json, upstream_topology_hash, checkpoint_node_config_hash,
		 format_version, created_at)
		VALUES (:checkpoint_id, :run_id, :token_id, :node_id, :sequence_number,
		 :aggregation_state_json, :upstream_topology_hash, :checkpoint_node_config_hash,
		 :format_version, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, cp); err != nil {
		return fmt.Errorf("recording checkpoint seq %d: %w", cp.SequenceNumber, err)
	}

	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a run,
// or nil when none exist.
func (r *Recorder) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	var cp Checkpoint

	err := sqlx.GetContext(ctx, r.db.conn, &cp,
		`SELECT checkpoint_id, run_id, token_id, node_id, sequence_number,
			aggregation_state_json, upstream_topology_hash, checkpoint_node_config_hash,
			format_version, created_at
		 FROM checkpoints WHERE run_id = ?
		 ORDER BY sequence_number DESC, checkpoint_id DESC LIMIT 1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching latest checkpoint: %w", err)
	}

	return &cp, nil
}

// PruneCheckpoints deletes checkpoints older than the given sequence,
// keeping the resume cursor bounded.
func (r *Recorder) PruneCheckpoints(ctx context.Context, runID string, keepFrom int64) (int64, error) {
	res, err := r.db.conn.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = ? AND sequence_number < ?`,
		runID, keepFrom)
	if err != nil {
		return 0, fmt.Errorf("pruning checkpoints: %w", err)
	}

	n, _ := res.RowsAffected()

	return n, nil
}
