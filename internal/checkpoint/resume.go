package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/graph"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// MismatchError reports a resume attempt against a pipeline whose
// upstream subgraph no longer matches the recorded checkpoint.
type MismatchError struct {
	NodeID       string
	RecordedHash string
	CurrentHash  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checkpoint at node %s was taken against a different upstream topology (recorded %s, current %s)",
		e.NodeID, e.RecordedHash, e.CurrentHash)
}

// ConfigMismatchError reports resume settings that hash differently
// from the original run's settings.
type ConfigMismatchError struct {
	RunID        string
	RecordedHash string
	CurrentHash  string
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("run %s was started with config hash %s, resume settings hash to %s",
		e.RunID, e.RecordedHash, e.CurrentHash)
}

// SinkResumeError reports a sink that cannot continue an interrupted
// run: it either does not support resume or its output target failed
// validation.
type SinkResumeError struct {
	SinkID string
	Reason string
}

func (e *SinkResumeError) Error() string {
	return fmt.Sprintf("sink %s cannot resume: %s", e.SinkID, e.Reason)
}

// Plan is a validated resume: the interrupted run, its latest cursor,
// and the rows that never reached a terminal outcome, in source order.
type Plan struct {
	Run        *landscape.Run
	Checkpoint *landscape.Checkpoint
	Pending    []landscape.Row
}

// PrepareResume validates a resume attempt and rewires the graph for
// it: the source is swapped for a payload-backed replay source that
// yields only unfinished rows (preserving the original edge label so
// validation still passes), and every sink is switched to append mode
// after passing its output-target check.
func PrepareResume(ctx context.Context, rec *landscape.Recorder, g *graph.Graph, runID string, config map[string]any) (*Plan, error) {
	run, err := rec.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status == landscape.RunCompleted {
		return nil, fmt.Errorf("run %s already completed", runID)
	}

	configHash, err := canonical.Hash(config)
	if err != nil {
		return nil, fmt.Errorf("hashing resume settings: %w", err)
	}

	if configHash != run.ConfigHash {
		return nil, &ConfigMismatchError{RunID: runID, RecordedHash: run.ConfigHash, CurrentHash: configHash}
	}

	cp, err := rec.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}

	if cp == nil {
		return nil, fmt.Errorf("run %s has no checkpoint to resume from", runID)
	}

	if cp.FormatVersion != nil && *cp.FormatVersion > formatVersion {
		return nil, fmt.Errorf("checkpoint format %d is newer than this binary supports (%d)",
			*cp.FormatVersion, formatVersion)
	}

	currentHash, err := g.UpstreamTopologyHash(cp.NodeID)
	if err != nil {
		return nil, fmt.Errorf("hashing upstream topology: %w", err)
	}

	if currentHash != cp.UpstreamTopologyHash {
		return nil, &MismatchError{
			NodeID:       cp.NodeID,
			RecordedHash: cp.UpstreamTopologyHash,
			CurrentHash:  currentHash,
		}
	}

	node, ok := g.Node(cp.NodeID)
	if !ok {
		return nil, fmt.Errorf("checkpoint references node %q missing from the graph", cp.NodeID)
	}

	nodeConfigHash, err := canonical.Hash(node.Config)
	if err != nil {
		return nil, fmt.Errorf("hashing node config: %w", err)
	}

	if nodeConfigHash != cp.CheckpointNodeConfigSum {
		return nil, &MismatchError{
			NodeID:       cp.NodeID,
			RecordedHash: cp.CheckpointNodeConfigSum,
			CurrentHash:  nodeConfigHash,
		}
	}

	pending, err := unfinishedRows(ctx, rec, runID)
	if err != nil {
		return nil, err
	}

	if err := swapSource(g, rec.PayloadStore(), pending); err != nil {
		return nil, err
	}

	var fieldResolution map[string]string

	if run.SourceFieldsJSON != nil {
		if err := json.Unmarshal([]byte(*run.SourceFieldsJSON), &fieldResolution); err != nil {
			return nil, fmt.Errorf("parsing recorded field resolution: %w", err)
		}
	}

	for _, n := range g.Nodes() {
		sink, ok := n.Instance.(plugins.Sink)
		if !ok {
			continue
		}

		if !sink.SupportsResume() {
			return nil, &SinkResumeError{SinkID: n.ID, Reason: "plugin does not support resume"}
		}

		if err := sink.ConfigureForResume(); err != nil {
			return nil, &SinkResumeError{SinkID: n.ID, Reason: err.Error()}
		}

		check, err := sink.ValidateOutputTarget()
		if err != nil {
			return nil, &SinkResumeError{SinkID: n.ID, Reason: err.Error()}
		}

		if !check.Valid {
			return nil, &SinkResumeError{SinkID: n.ID, Reason: check.Reason}
		}

		sink.SetResumeFieldResolution(fieldResolution)
	}

	return &Plan{Run: run, Checkpoint: cp, Pending: pending}, nil
}

// unfinishedRows lists rows where at least one token lacks a terminal
// outcome, in source order.
func unfinishedRows(ctx context.Context, rec *landscape.Recorder, runID string) ([]landscape.Row, error) {
	rows, err := rec.GetRows(ctx, runID)
	if err != nil {
		return nil, err
	}

	var pending []landscape.Row

	for _, row := range rows {
		toks, err := rec.GetTokensForRow(ctx, row.RowID)
		if err != nil {
			return nil, err
		}

		finished := len(toks) > 0

		for _, tok := range toks {
			outcome, err := rec.GetTokenOutcome(ctx, tok.TokenID)
			if err != nil {
				return nil, err
			}

			if outcome == nil {
				finished = false

				break
			}
		}

		if !finished {
			pending = append(pending, row)
		}
	}

	return pending, nil
}

// swapSource replaces the graph's source with a replay source backed
// by the payload store, keeping the original downstream edge label.
func swapSource(g *graph.Graph, store payload.Store, pending []landscape.Row) error {
	node, ok := g.Node(g.SourceID)
	if !ok {
		return fmt.Errorf("graph has no source node %q", g.SourceID)
	}

	original, ok := node.Instance.(plugins.Source)
	if !ok {
		return fmt.Errorf("source node %s does not implement the source contract", node.ID)
	}

	if store == nil && len(pending) > 0 {
		return fmt.Errorf("run has %d unfinished rows but no payload store to replay them from", len(pending))
	}

	node.Instance = &replaySource{
		store:    store,
		pending:  pending,
		contract: original.SchemaContract(),
		label:    original.OnSuccess(),
	}

	return nil
}
