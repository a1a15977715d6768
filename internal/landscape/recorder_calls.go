package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// AllocateCallIndex hands out the next call index for a node state.
// Counters seed from the database on first use so resumed runs keep
// the UNIQUE(state_id, call_index) invariant across recorder restarts.
func (r *Recorder) AllocateCallIndex(ctx context.Context, stateID string) (int, error) {
	return r.allocateIndex(ctx, r.callIndices, stateID,
		`SELECT COALESCE(MAX(call_index), -1) FROM calls WHERE state_id = ?`)
}

// AllocateOperationCallIndex is the operation-scoped counterpart of
// AllocateCallIndex.
func (r *Recorder) AllocateOperationCallIndex(ctx context.Context, operationID string) (int, error) {
	return r.allocateIndex(ctx, r.opCallIndices, operationID,
		`SELECT COALESCE(MAX(call_index), -1) FROM calls WHERE operation_id = ?`)
}

func (r *Recorder) allocateIndex(ctx context.Context, counters map[string]int, key, seedQuery string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := counters[key]; !ok {
		var maxIndex int

		if err := sqlx.GetContext(ctx, r.db.conn, &maxIndex, seedQuery, key); err != nil {
			return 0, fmt.Errorf("seeding call index for %s: %w", key, err)
		}

		counters[key] = maxIndex + 1
	}

	idx := counters[key]
	counters[key]++

	return idx, nil
}

// CallParams carries the payload fields of RecordCall.
type CallParams struct {
	Request   map[string]any
	Response  map[string]any
	Error     map[string]any
	LatencyMS *float64
}

// RecordCall records one external call under a node state. Request and
// response payloads are hashed always and persisted when a payload
// store is configured, which is what makes replay possible.
func (r *Recorder) RecordCall(ctx context.Context, stateID string, callIndex int, callType CallType, status CallStatus, params CallParams) (*Call, error) {
	return r.recordCall(ctx, &stateID, nil, callIndex, callType, status, params)
}

// RecordOperationCall records one external call under a source or sink
// operation.
func (r *Recorder) RecordOperationCall(ctx context.Context, operationID string, callIndex int, callType CallType, status CallStatus, params CallParams) (*Call, error) {
	return r.recordCall(ctx, nil, &operationID, callIndex, callType, status, params)
}

func (r *Recorder) recordCall(ctx context.Context, stateID, operationID *string, callIndex int, callType CallType, status CallStatus, params CallParams) (*Call, error) {
	requestHash, requestRef, err := r.storePayload(params.Request)
	if err != nil {
		return nil, err
	}

	var (
		responseHash *string
		responseRef  *string
		errorJSON    *string
	)

	if params.Response != nil {
		hash, ref, err := r.storePayload(params.Response)
		if err != nil {
			return nil, err
		}

		responseHash, responseRef = &hash, ref
	}

	if params.Error != nil {
		data, err := canonical.JSON(params.Error)
		if err != nil {
			return nil, fmt.Errorf("canonicalizing call error: %w", err)
		}

		errorJSON = ptr(string(data))
	}

	call := &Call{
		CallID:       NewID(),
		StateID:      stateID,
		OperationID:  operationID,
		CallIndex:    callIndex,
		CallType:     callType,
		Status:       status,
		RequestHash:  requestHash,
		RequestRef:   requestRef,
		ResponseHash: responseHash,
		ResponseRef:  responseRef,
		ErrorJSON:    errorJSON,
		LatencyMS:    params.LatencyMS,
		CreatedAt:    r.now(),
	}

	const q = `INSERT INTO calls
		(call_id, state_id, operation_id, call_index, call_type, status,
		 request_hash, request_ref, response_hash, response_ref, error_json,
		 latency_ms, created_at)
		VALUES (:call_id, :state_id, :operation_id, :call_index, :call_type, :status,
		 :request_hash, :request_ref, :response_hash, :response_ref, :error_json,
		 :latency_ms, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, call); err != nil {
		return nil, fmt.Errorf("recording call %d: %w", callIndex, err)
	}

	return call, nil
}

// BeginOperation opens an I/O scope for a source load or sink write.
// Operations parent external calls made outside any token's node state.
func (r *Recorder) BeginOperation(ctx context.Context, runID, nodeID string, opType OperationType, input map[string]any) (*Operation, error) {
	var inputRef *string

	if input != nil {
		_, ref, err := r.storePayload(input)
		if err != nil {
			return nil, err
		}

		inputRef = ref
	}

	op := &Operation{
		OperationID:   NewID(),
		RunID:         runID,
		NodeID:        nodeID,
		OperationType: opType,
		StartedAt:     r.now(),
		Status:        "open",
		InputDataRef:  inputRef,
	}

	const q = `INSERT INTO operations
		(operation_id, run_id, node_id, operation_type, started_at, status, input_data_ref)
		VALUES (:operation_id, :run_id, :node_id, :operation_type, :started_at, :status, :input_data_ref)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, op); err != nil {
		return nil, fmt.Errorf("beginning %s operation for node %s: %w", opType, nodeID, err)
	}

	return op, nil
}

// CompleteOperation closes an open operation. The status check lives
// in the UPDATE's WHERE clause so a double completion is caught
// without a read-then-write race.
func (r *Recorder) CompleteOperation(ctx context.Context, operationID, status string, output map[string]any, errMessage *string, durationMS *float64) error {
	var outputRef *string

	if output != nil {
		_, ref, err := r.storePayload(output)
		if err != nil {
			return err
		}

		outputRef = ref
	}

	const q = `UPDATE operations
		SET completed_at = ?, status = ?, output_data_ref = ?, error_message = ?, duration_ms = ?
		WHERE operation_id = ? AND status = 'open'`

	res, err := r.db.conn.ExecContext(ctx, q,
		r.now(), status, outputRef, errMessage, durationMS, operationID)
	if err != nil {
		return fmt.Errorf("completing operation %s: %w", operationID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var current string

		err := sqlx.GetContext(ctx, r.db.conn, &current,
			`SELECT status FROM operations WHERE operation_id = ?`, operationID)
		if errors.Is(err, sql.ErrNoRows) {
			return &AuditIntegrityError{Reason: fmt.Sprintf("completing unknown operation %s", operationID)}
		}

		if err != nil {
			return fmt.Errorf("inspecting operation %s: %w", operationID, err)
		}

		return &AuditIntegrityError{
			Reason: fmt.Sprintf("completing operation %s: already %s", operationID, current),
		}
	}

	return nil
}

// FindCallByRequestHash looks up a prior call for replay. The newest
// successful match wins so retried calls replay their final response.
func (r *Recorder) FindCallByRequestHash(ctx context.Context, runID, requestHash string) (*Call, error) {
	var call Call

	const q = `SELECT c.call_id, c.state_id, c.operation_id, c.call_index, c.call_type,
			c.status, c.request_hash, c.request_ref, c.response_hash, c.response_ref,
			c.error_json, c.latency_ms, c.created_at
		FROM calls c
		JOIN node_states ns ON ns.state_id = c.state_id
		WHERE ns.run_id = ? AND c.request_hash = ? AND c.status = ?
		ORDER BY c.created_at DESC, c.call_id DESC LIMIT 1`

	err := sqlx.GetContext(ctx, r.db.conn, &call, q, runID, requestHash, CallSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("finding call by request hash: %w", err)
	}

	return &call, nil
}
