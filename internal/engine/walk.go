package engine

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/coalesce"
	"github.com/tachyon-beep/elspeth-sub004/internal/graph"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/tokens"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// walk advances one token into a node and keeps going until the token
// reaches a terminal outcome or parks in a buffer (batch transform,
// aggregation, coalesce).
func (o *Orchestrator) walk(ctx context.Context, tok *tokens.TokenInfo, nodeID string) error {
	node, ok := o.graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("token %s routed to unknown node %q", tok.TokenID, nodeID)
	}

	if node.Type == landscape.NodeCoalesce {
		return o.acceptCoalesce(ctx, node, tok)
	}

	switch inst := node.Instance.(type) {
	case plugins.Transform:
		return o.runTransform(ctx, node, inst, tok)
	case plugins.BatchTransform:
		return o.submitToBatch(ctx, node, inst, tok)
	case plugins.Gate:
		return o.runGate(ctx, node, inst, tok)
	case plugins.Aggregation:
		return o.runAggregation(ctx, node, inst, tok)
	case plugins.Sink:
		return o.runSink(ctx, node, inst, tok)
	default:
		return fmt.Errorf("node %s has no runnable plugin instance", nodeID)
	}
}

func (o *Orchestrator) runTransform(ctx context.Context, node *graph.Node, inst plugins.Transform, tok *tokens.TokenInfo) error {
	state, err := o.rec.BeginNodeState(ctx, o.runID, tok.TokenID, node.ID, o.stepIndex[node.ID], 0, tok.RowData, nil)
	if err != nil {
		return err
	}

	pctx := o.pluginContext(node.ID).WithState(state.StateID)

	result, perr := inst.Process(ctx, pctx, tok.RowData)
	if perr != nil {
		result = plugins.Errorf(map[string]any{"error": perr.Error()})
	}

	return o.settleResult(ctx, node, tok, state.StateID, result)
}

// settleResult finishes a transform-shaped state: completes or fails
// it, then routes the output rows.
func (o *Orchestrator) settleResult(ctx context.Context, node *graph.Node, tok *tokens.TokenInfo, stateID string, result *plugins.TransformResult) error {
	if result.Status == plugins.StatusError {
		return o.failRow(ctx, node, tok, stateID, result.Reason)
	}

	rows := result.OutputRows()

	switch len(rows) {
	case 0:
		return o.failRow(ctx, node, tok, stateID, map[string]any{"error": "empty_result"})
	case 1:
		if err := o.rec.CompleteNodeState(ctx, stateID, rows[0], nil, result.SuccessReason); err != nil {
			return err
		}

		tok.RowData = rows[0]

		return o.routeContinue(ctx, node, tok, stateID, nil)
	default:
		output := map[string]any{"rows": rows}

		if err := o.rec.CompleteNodeState(ctx, stateID, output, nil, result.SuccessReason); err != nil {
			return err
		}

		edge, ok := o.graph.OutEdge(node.ID, graph.ContinueLabel)
		if !ok {
			return fmt.Errorf("node %s has no continue edge for expansion", node.ID)
		}

		_, err := o.rec.RecordRoutingEvents(ctx, stateID, []landscape.RoutedEdge{{
			EdgeID: edge.EdgeID,
			Mode:   edge.Mode,
			Reason: map[string]any{"expanded": len(rows)},
		}})
		if err != nil {
			return err
		}

		children, err := o.manager.Expand(ctx, tok, rows, o.stepIndex[node.ID], true)
		if err != nil {
			return err
		}

		for _, child := range children {
			if err := o.walk(ctx, child, edge.To); err != nil {
				return err
			}
		}

		return nil
	}
}

func (o *Orchestrator) routeContinue(ctx context.Context, node *graph.Node, tok *tokens.TokenInfo, stateID string, reason map[string]any) error {
	edge, ok := o.graph.OutEdge(node.ID, graph.ContinueLabel)
	if !ok {
		return fmt.Errorf("node %s has no continue edge", node.ID)
	}

	_, err := o.rec.RecordRoutingEvents(ctx, stateID, []landscape.RoutedEdge{{
		EdgeID: edge.EdgeID,
		Mode:   edge.Mode,
		Reason: reason,
	}})
	if err != nil {
		return err
	}

	o.advanceCursor(tok, node.ID)

	return o.walk(ctx, tok, edge.To)
}

// failRow fails the state and either hands the row to the configured
// error sink or records a failed outcome.
func (o *Orchestrator) failRow(ctx context.Context, node *graph.Node, tok *tokens.TokenInfo, stateID string, reason map[string]any) error {
	if reason == nil {
		reason = map[string]any{"error": "unknown"}
	}

	if err := o.rec.FailNodeState(ctx, stateID, reason); err != nil {
		return err
	}

	destination := "discard"
	if o.settings.ErrorSink != "" {
		destination = o.settings.ErrorSink
	}

	pctx := o.pluginContext(node.ID).WithState(stateID)
	if err := pctx.RecordTransformError(ctx, tok.TokenID, tok.RowData, reason, destination); err != nil {
		return err
	}

	o.failedRows[tok.RowID] = true

	if o.settings.ErrorSink != "" {
		return o.walk(ctx, tok, o.settings.ErrorSink)
	}

	errorHash, err := canonical.Hash(reason)
	if err != nil {
		return err
	}

	_, err = o.rec.RecordTokenOutcome(ctx, o.runID, tok.TokenID, landscape.OutcomeFailed,
		landscape.OutcomeParams{ErrorHash: &errorHash, Context: reason})

	return err
}

func (o *Orchestrator) runGate(ctx context.Context, node *graph.Node, inst plugins.Gate, tok *tokens.TokenInfo) error {
	step := o.stepIndex[node.ID]

	state, err := o.rec.BeginNodeState(ctx, o.runID, tok.TokenID, node.ID, step, 0, tok.RowData, nil)
	if err != nil {
		return err
	}

	pctx := o.pluginContext(node.ID).WithState(state.StateID)

	action, decideErr := inst.Decide(ctx, pctx, tok.RowData)
	if decideErr != nil {
		// Evaluation errors quarantine the row with the exception
		// captured; the pipeline keeps going.
		details := map[string]any{"error": decideErr.Error(), "node_id": node.ID}

		if err := o.rec.FailNodeState(ctx, state.StateID, details); err != nil {
			return err
		}

		errorHash, err := canonical.Hash(details)
		if err != nil {
			return err
		}

		_, err = o.rec.RecordTokenOutcome(ctx, o.runID, tok.TokenID, landscape.OutcomeQuarantined,
			landscape.OutcomeParams{ErrorHash: &errorHash, Context: details})
		if err != nil {
			return err
		}

		o.failedRows[tok.RowID] = true

		return nil
	}

	switch action.Kind {
	case plugins.RouteContinue:
		if err := o.rec.CompleteNodeState(ctx, state.StateID, tok.RowData, nil, nil); err != nil {
			return err
		}

		return o.routeContinue(ctx, node, tok, state.StateID, action.Reason)

	case plugins.Reject:
		if err := o.rec.CompleteNodeState(ctx, state.StateID, tok.RowData,
			map[string]any{"rejected": true}, action.Reason); err != nil {
			return err
		}

		reason := action.Reason
		if reason == nil {
			reason = map[string]any{"reason": "rejected"}
		}

		errorHash, err := canonical.Hash(reason)
		if err != nil {
			return err
		}

		_, err = o.rec.RecordTokenOutcome(ctx, o.runID, tok.TokenID, landscape.OutcomeFailed,
			landscape.OutcomeParams{ErrorHash: &errorHash, Context: reason})
		if err != nil {
			return err
		}

		o.failedRows[tok.RowID] = true

		return nil

	case plugins.RouteTo:
		if len(action.Labels) == 1 {
			if err := o.rec.CompleteNodeState(ctx, state.StateID, tok.RowData, nil, nil); err != nil {
				return err
			}

			edge, ok := o.graph.OutEdge(node.ID, action.Labels[0])
			if !ok {
				return fmt.Errorf("gate %s routed to undeclared label %q", node.ID, action.Labels[0])
			}

			_, err := o.rec.RecordRoutingEvents(ctx, state.StateID, []landscape.RoutedEdge{{
				EdgeID: edge.EdgeID,
				Mode:   edge.Mode,
				Reason: action.Reason,
			}})
			if err != nil {
				return err
			}

			o.advanceCursor(tok, node.ID)

			return o.walk(ctx, tok, edge.To)
		}

		// Multi-destination routing needs one token per path so each
		// can reach its own terminal outcome.
		return o.forkAcross(ctx, node, tok, state.StateID, action)

	case plugins.ForkTo:
		return o.forkAcross(ctx, node, tok, state.StateID, action)
	}

	return fmt.Errorf("gate %s returned unknown routing kind %q", node.ID, action.Kind)
}

func (o *Orchestrator) forkAcross(ctx context.Context, node *graph.Node, tok *tokens.TokenInfo, stateID string, action *plugins.RoutingAction) error {
	if err := o.rec.CompleteNodeState(ctx, stateID, tok.RowData, nil, nil); err != nil {
		return err
	}

	edges := make([]*graph.Edge, len(action.Labels))
	routed := make([]landscape.RoutedEdge, len(action.Labels))

	for i, label := range action.Labels {
		edge, ok := o.graph.OutEdge(node.ID, label)
		if !ok {
			return fmt.Errorf("gate %s forked to undeclared label %q", node.ID, label)
		}

		edges[i] = edge
		routed[i] = landscape.RoutedEdge{EdgeID: edge.EdgeID, Mode: edge.Mode, Reason: action.Reason}
	}

	if _, err := o.rec.RecordRoutingEvents(ctx, stateID, routed); err != nil {
		return err
	}

	children, err := o.manager.Fork(ctx, tok, action.Labels, o.stepIndex[node.ID])
	if err != nil {
		return err
	}

	for i, child := range children {
		if err := o.walk(ctx, child, edges[i].To); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) runAggregation(ctx context.Context, node *graph.Node, inst plugins.Aggregation, tok *tokens.TokenInfo) error {
	step := o.stepIndex[node.ID]

	state, err := o.rec.BeginNodeState(ctx, o.runID, tok.TokenID, node.ID, step, 0, tok.RowData, nil)
	if err != nil {
		return err
	}

	pctx := o.pluginContext(node.ID).WithState(state.StateID)

	ready, acceptErr := inst.Accept(ctx, pctx, tok.RowData)
	if acceptErr != nil {
		return o.failRow(ctx, node, tok, state.StateID, map[string]any{"error": acceptErr.Error()})
	}

	bs := o.batches[node.ID]
	if bs == nil {
		batch, err := o.rec.CreateBatch(ctx, o.runID, node.ID, 0)
		if err != nil {
			return err
		}

		bs = &batchState{batchID: batch.BatchID}
		o.batches[node.ID] = bs
	}

	if err := o.rec.AddBatchMember(ctx, bs.batchID, tok.TokenID, bs.ordinal); err != nil {
		return err
	}

	bs.ordinal++
	bs.lastStateID = state.StateID

	err = o.rec.CompleteNodeState(ctx, state.StateID, tok.RowData,
		map[string]any{"batch_id": bs.batchID}, nil)
	if err != nil {
		return err
	}

	_, err = o.rec.RecordTokenOutcome(ctx, o.runID, tok.TokenID, landscape.OutcomeConsumedInBatch,
		landscape.OutcomeParams{BatchID: &bs.batchID})
	if err != nil {
		return err
	}

	o.advanceCursor(tok, node.ID)

	if !ready {
		return nil
	}

	return o.finalizeBatch(ctx, node, inst, bs, "", "")
}

// finalizeBatch executes a draft batch: records the trigger, runs the
// aggregation, mints one derived token per emitted row, and walks each
// downstream.
func (o *Orchestrator) finalizeBatch(ctx context.Context, node *graph.Node, inst plugins.Aggregation, bs *batchState, triggerType, triggerReason string) error {
	if triggerType == "" {
		triggerType, triggerReason = inst.TriggerDescription()
	}

	if err := o.rec.BeginBatchExecution(ctx, bs.batchID, bs.lastStateID, triggerType, triggerReason); err != nil {
		return err
	}

	pctx := o.pluginContext(node.ID).WithState(bs.lastStateID)

	rows, err := inst.Finalize(ctx, pctx)
	if err != nil {
		if cbErr := o.rec.CompleteBatch(ctx, bs.batchID, landscape.BatchFailed); cbErr != nil {
			return cbErr
		}

		delete(o.batches, node.ID)

		return fmt.Errorf("finalizing batch at %s: %w", node.ID, err)
	}

	if err := o.rec.CompleteBatch(ctx, bs.batchID, landscape.BatchCompleted); err != nil {
		return err
	}

	delete(o.batches, node.ID)

	edge, ok := o.graph.OutEdge(node.ID, graph.ContinueLabel)
	if !ok {
		return fmt.Errorf("aggregation %s has no continue edge", node.ID)
	}

	for _, row := range rows {
		derived, err := o.manager.CreateInitialToken(ctx, row, node.ID, o.derived[node.ID])
		if err != nil {
			return err
		}

		o.derived[node.ID]++

		if err := o.rec.RecordBatchOutput(ctx, bs.batchID, "row", derived.RowID); err != nil {
			return err
		}

		if err := o.walk(ctx, derived, edge.To); err != nil {
			return err
		}
	}

	if o.checkpoints != nil && o.cursor.TokenID != "" {
		if err := o.checkpoints.AfterBatch(ctx, o.runID, o.cursor); err != nil {
			return fmt.Errorf("writing batch checkpoint: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) runSink(ctx context.Context, node *graph.Node, inst plugins.Sink, tok *tokens.TokenInfo) error {
	step := o.stepIndex[node.ID]

	state, err := o.rec.BeginNodeState(ctx, o.runID, tok.TokenID, node.ID, step, 0, tok.RowData, nil)
	if err != nil {
		return err
	}

	pctx := o.pluginContext(node.ID).WithState(state.StateID)

	descriptor, writeErr := inst.Write(ctx, pctx, []plugins.Row{tok.RowData})
	if writeErr != nil {
		details := map[string]any{"error": writeErr.Error(), "sink": node.ID}

		if err := o.rec.FailNodeState(ctx, state.StateID, details); err != nil {
			return err
		}

		errorHash, err := canonical.Hash(details)
		if err != nil {
			return err
		}

		_, err = o.rec.RecordTokenOutcome(ctx, o.runID, tok.TokenID, landscape.OutcomeFailed,
			landscape.OutcomeParams{ErrorHash: &errorHash, Context: details})
		if err != nil {
			return err
		}

		o.failedRows[tok.RowID] = true

		return nil
	}

	if err := o.rec.CompleteNodeState(ctx, state.StateID, tok.RowData, nil, nil); err != nil {
		return err
	}

	if descriptor != nil {
		artifact := &landscape.Artifact{
			RunID:             o.runID,
			ProducedByStateID: state.StateID,
			SinkNodeID:        node.ID,
			ArtifactType:      descriptor.ArtifactType,
			PathOrURI:         descriptor.PathOrURI,
			ContentHash:       descriptor.ContentHash,
			SizeBytes:         descriptor.SizeBytes,
		}

		if artifact.ArtifactType == "" {
			artifact.ArtifactType = "file"
		}

		if descriptor.IdempotencyKey != "" {
			key := descriptor.IdempotencyKey
			artifact.IdempotencyKey = &key
		}

		if err := o.rec.RecordArtifact(ctx, artifact); err != nil {
			return err
		}
	}

	sinkName := node.ID

	_, err = o.rec.RecordTokenOutcome(ctx, o.runID, tok.TokenID, landscape.OutcomeCompleted,
		landscape.OutcomeParams{SinkName: &sinkName})
	if err != nil {
		return err
	}

	o.advanceCursor(tok, node.ID)

	return nil
}

func (o *Orchestrator) submitToBatch(ctx context.Context, node *graph.Node, inst plugins.BatchTransform, tok *tokens.TokenInfo) error {
	state, err := o.rec.BeginNodeState(ctx, o.runID, tok.TokenID, node.ID, o.stepIndex[node.ID], 0, tok.RowData, nil)
	if err != nil {
		return err
	}

	o.parked[state.StateID] = &parkedToken{token: tok, nodeID: node.ID}

	if err := inst.Accept(ctx, plugins.Submission{
		TokenID: tok.TokenID,
		StateID: state.StateID,
		Row:     tok.RowData,
	}); err != nil {
		delete(o.parked, state.StateID)

		return fmt.Errorf("submitting row to %s: %w", node.ID, err)
	}

	return nil
}

// settleEmission completes a parked batch-transform row once the
// adapter emits its result.
func (o *Orchestrator) settleEmission(ctx context.Context, nodeID string, em emission) error {
	parked, ok := o.parked[em.stateID]
	if !ok {
		return fmt.Errorf("batch transform %s emitted unknown state %s", nodeID, em.stateID)
	}

	delete(o.parked, em.stateID)

	node, ok := o.graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("batch emission from unknown node %q", nodeID)
	}

	return o.settleResult(ctx, node, parked.token, em.stateID, em.result)
}

func (o *Orchestrator) acceptCoalesce(ctx context.Context, node *graph.Node, tok *tokens.TokenInfo) error {
	if o.merger == nil {
		return fmt.Errorf("token reached coalesce %s but no coalesce settings were provided", node.ID)
	}

	result, err := o.merger.Accept(ctx, node.ID, tok, o.stepIndex[node.ID])
	if err != nil {
		return err
	}

	return o.handleCoalesceResult(ctx, result)
}

func (o *Orchestrator) handleCoalesceResult(ctx context.Context, r *coalesce.Result) error {
	if r == nil {
		return nil
	}

	if r.Failed {
		o.failedRows[r.RowID] = true

		return nil
	}

	edge, ok := o.graph.OutEdge(r.Coalesce, graph.ContinueLabel)
	if !ok {
		return fmt.Errorf("coalesce %s has no continue edge", r.Coalesce)
	}

	o.advanceCursor(r.Merged, r.Coalesce)

	return o.walk(ctx, r.Merged, edge.To)
}
