package plugins

import (
	"context"
	"log/slog"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// Context is the per-node view of the run handed to every plugin
// invocation. Plugins use it for structured logging, audited external
// calls, and error-row recording; they never touch the database
// directly.
type Context struct {
	RunID   string
	NodeID  string
	StateID string

	Logger   *slog.Logger
	Recorder *landscape.Recorder
}

// WithState returns a copy scoped to a specific node state, so calls
// recorded by the plugin attach to the right state row.
func (c *Context) WithState(stateID string) *Context {
	scoped := *c
	scoped.StateID = stateID

	return &scoped
}

// RecordCall records one external call under the current node state,
// allocating the next call index.
func (c *Context) RecordCall(ctx context.Context, callType landscape.CallType, status landscape.CallStatus, params landscape.CallParams) error {
	if c.Recorder == nil || c.StateID == "" {
		return nil
	}

	idx, err := c.Recorder.AllocateCallIndex(ctx, c.StateID)
	if err != nil {
		return err
	}

	_, err = c.Recorder.RecordCall(ctx, c.StateID, idx, callType, status, params)

	return err
}

// RecordValidationError quarantines a row that failed its schema
// contract. The row never received a token, so it is keyed by hash.
func (c *Context) RecordValidationError(ctx context.Context, row Row, message, schemaMode, destination string) error {
	if c.Recorder == nil {
		return nil
	}

	hash, err := canonical.Hash(row)
	if err != nil {
		return err
	}

	data, err := canonical.JSON(row)
	if err != nil {
		return err
	}

	rowJSON := string(data)

	return c.Recorder.RecordValidationError(ctx, &landscape.ValidationErrorRecord{
		RunID:       c.RunID,
		NodeID:      &c.NodeID,
		RowHash:     hash,
		RowDataJSON: &rowJSON,
		Error:       message,
		SchemaMode:  schemaMode,
		Destination: destination,
	})
}

// RecordTransformError records a row this node rejected through its
// error result channel.
func (c *Context) RecordTransformError(ctx context.Context, tokenID string, row Row, details map[string]any, destination string) error {
	if c.Recorder == nil {
		return nil
	}

	hash, err := canonical.Hash(row)
	if err != nil {
		return err
	}

	var detailsJSON *string

	if details != nil {
		data, err := canonical.JSON(details)
		if err != nil {
			return err
		}

		detailsJSON = strPtr(string(data))
	}

	return c.Recorder.RecordTransformError(ctx, &landscape.TransformErrorRecord{
		RunID:            c.RunID,
		TokenID:          tokenID,
		TransformID:      c.NodeID,
		RowHash:          hash,
		ErrorDetailsJSON: detailsJSON,
		Destination:      destination,
	})
}

func strPtr(s string) *string {
	return &s
}
