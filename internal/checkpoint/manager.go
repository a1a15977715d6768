// Package checkpoint persists resume cursors during a run and drives
// the validation that must pass before a resumed run may start:
// config-hash equality, upstream topology compatibility, source swap,
// and the sink resume contract.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tachyon-beep/elspeth-sub004/internal/engine"
	"github.com/tachyon-beep/elspeth-sub004/internal/graph"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// Trigger selects when cursors are written.
type Trigger string

// Checkpoint triggers.
const (
	EveryRow   Trigger = "every_row"
	EveryBatch Trigger = "every_batch"
	Interval   Trigger = "interval"
)

// formatVersion advances when the cursor layout changes; a resume
// refuses cursors from a newer layout.
const formatVersion = 1

// Config tunes a manager.
type Config struct {
	Trigger Trigger
	// Interval applies to the interval trigger.
	Interval time.Duration
}

// Manager writes cursors through the recorder. It implements the
// engine's checkpoint callbacks.
type Manager struct {
	rec    *landscape.Recorder
	graph  *graph.Graph
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastWrite time.Time
}

// Option configures a manager.
type Option func(*Manager)

// WithClock injects a clock for interval tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a checkpoint manager over a validated graph.
func NewManager(rec *landscape.Recorder, g *graph.Graph, cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	switch cfg.Trigger {
	case EveryRow, EveryBatch:
	case Interval:
		if cfg.Interval <= 0 {
			return nil, fmt.Errorf("interval trigger needs a positive interval")
		}
	default:
		return nil, fmt.Errorf("unknown checkpoint trigger %q", cfg.Trigger)
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		rec:    rec,
		graph:  g,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// AfterRow runs between source rows.
func (m *Manager) AfterRow(ctx context.Context, runID string, cur engine.Cursor) error {
	switch m.cfg.Trigger {
	case EveryRow:
		return m.write(ctx, runID, cur)
	case Interval:
		m.mu.Lock()
		due := m.now().Sub(m.lastWrite) >= m.cfg.Interval
		m.mu.Unlock()

		if due {
			return m.write(ctx, runID, cur)
		}
	}

	return nil
}

// AfterBatch runs when an aggregation batch completes.
func (m *Manager) AfterBatch(ctx context.Context, runID string, cur engine.Cursor) error {
	if m.cfg.Trigger != EveryBatch {
		return nil
	}

	return m.write(ctx, runID, cur)
}

func (m *Manager) write(ctx context.Context, runID string, cur engine.Cursor) error {
	node, ok := m.graph.Node(cur.NodeID)
	if !ok {
		return fmt.Errorf("cursor references unknown node %q", cur.NodeID)
	}

	upstreamHash, err := m.graph.UpstreamTopologyHash(cur.NodeID)
	if err != nil {
		return fmt.Errorf("hashing upstream topology: %w", err)
	}

	configHash, err := canonical.Hash(node.Config)
	if err != nil {
		return fmt.Errorf("hashing node config: %w", err)
	}

	var aggJSON *string

	if len(cur.AggregationState) > 0 {
		data, err := canonical.JSON(cur.AggregationState)
		if err != nil {
			return fmt.Errorf("serializing aggregation state: %w", err)
		}

		s := string(data)
		aggJSON = &s
	}

	version := formatVersion

	cp := &landscape.Checkpoint{
		RunID:                   runID,
		TokenID:                 cur.TokenID,
		NodeID:                  cur.NodeID,
		SequenceNumber:          cur.SequenceNumber,
		AggregationStateJSON:    aggJSON,
		UpstreamTopologyHash:    upstreamHash,
		CheckpointNodeConfigSum: configHash,
		FormatVersion:           &version,
	}

	if err := m.rec.RecordCheckpoint(ctx, cp); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastWrite = m.now()
	m.mu.Unlock()

	// Older cursors are superseded; keep only the latest.
	if _, err := m.rec.PruneCheckpoints(ctx, runID, cur.SequenceNumber); err != nil {
		m.logger.Warn("pruning checkpoints", "run_id", runID, "error", err)
	}

	return nil
}
