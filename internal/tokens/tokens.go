// Package tokens maintains token identity through the pipeline: one
// row, one initial token, with forks, coalesces, and expansions minting
// children through the recorder so the audit trail and the in-memory
// view never diverge.
package tokens

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

// TokenInfo is the in-memory value carrying live row data alongside the
// identifiers the recorder persists. BranchName is set only on fork
// children.
type TokenInfo struct {
	RowID      string
	TokenID    string
	RowData    plugins.Row
	BranchName string
}

// Manager wraps the recorder's token operations for one run.
type Manager struct {
	recorder *landscape.Recorder
	runID    string
}

// NewManager binds a manager to a run.
func NewManager(recorder *landscape.Recorder, runID string) *Manager {
	return &Manager{recorder: recorder, runID: runID}
}

// RunID identifies the run this manager records against.
func (m *Manager) RunID() string { return m.runID }

// CreateInitialToken records the source row and mints its first token.
func (m *Manager) CreateInitialToken(ctx context.Context, rowData plugins.Row, sourceNodeID string, rowIndex int) (*TokenInfo, error) {
	row, err := m.recorder.CreateRow(ctx, m.runID, sourceNodeID, rowIndex, rowData)
	if err != nil {
		return nil, fmt.Errorf("creating row %d: %w", rowIndex, err)
	}

	token, err := m.recorder.CreateToken(ctx, row.RowID)
	if err != nil {
		return nil, fmt.Errorf("creating initial token for row %d: %w", rowIndex, err)
	}

	return &TokenInfo{
		RowID:   row.RowID,
		TokenID: token.TokenID,
		RowData: rowData,
	}, nil
}

// Fork splits a token into one child per branch. Children share the
// parent's row data; copy-mode isolation happens at routing time.
func (m *Manager) Fork(ctx context.Context, parent *TokenInfo, branches []string, step int) ([]*TokenInfo, error) {
	children, _, err := m.recorder.ForkToken(ctx, m.runID, parent.TokenID, parent.RowID, branches, &step)
	if err != nil {
		return nil, err
	}

	infos := make([]*TokenInfo, len(children))

	for i, child := range children {
		branch := ""
		if child.BranchName != nil {
			branch = *child.BranchName
		}

		infos[i] = &TokenInfo{
			RowID:      parent.RowID,
			TokenID:    child.TokenID,
			RowData:    plugins.CloneRow(parent.RowData),
			BranchName: branch,
		}
	}

	return infos, nil
}

// Coalesce merges parent tokens into one child carrying the merged row.
func (m *Manager) Coalesce(ctx context.Context, parents []*TokenInfo, rowData plugins.Row, step int) (*TokenInfo, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("coalesce requires at least one parent")
	}

	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.TokenID
	}

	merged, err := m.recorder.CoalesceTokens(ctx, m.runID, parentIDs, parents[0].RowID, &step)
	if err != nil {
		return nil, err
	}

	return &TokenInfo{
		RowID:   parents[0].RowID,
		TokenID: merged.TokenID,
		RowData: rowData,
	}, nil
}

// Expand deaggregates one token into count children, one per output
// row. recordParentOutcome is false on the batch-consumption path where
// the caller records consumed_in_batch itself.
func (m *Manager) Expand(ctx context.Context, parent *TokenInfo, rows []plugins.Row, step int, recordParentOutcome bool) ([]*TokenInfo, error) {
	children, _, err := m.recorder.ExpandToken(ctx, m.runID, parent.TokenID, parent.RowID, len(rows), &step, recordParentOutcome)
	if err != nil {
		return nil, err
	}

	infos := make([]*TokenInfo, len(children))
	for i, child := range children {
		infos[i] = &TokenInfo{
			RowID:   parent.RowID,
			TokenID: child.TokenID,
			RowData: rows[i],
		}
	}

	return infos, nil
}

// Restore rebuilds a TokenInfo for an already-recorded token, used when
// draining buffered work on resume.
func (m *Manager) Restore(rowID, tokenID string, rowData plugins.Row, branchName string) *TokenInfo {
	return &TokenInfo{
		RowID:      rowID,
		TokenID:    tokenID,
		RowData:    rowData,
		BranchName: branchName,
	}
}
