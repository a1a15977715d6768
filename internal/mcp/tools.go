package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
)

// Tool name constants.
const (
	ToolNameListRuns   = "elspeth_list_runs"
	ToolNameGetRun     = "elspeth_get_run"
	ToolNameExplainRow = "elspeth_explain_row"
)

// Sentinel errors for tool input validation.
var (
	// ErrEmptyRunID indicates the run_id parameter is empty.
	ErrEmptyRunID = errors.New("run_id parameter is required and must not be empty")
	// ErrEmptyRowID indicates the row_id parameter is empty.
	ErrEmptyRowID = errors.New("row_id parameter is required and must not be empty")
)

// Input types (auto-generate JSON schemas via struct tags).

// ListRunsInput is the input schema for the elspeth_list_runs tool.
type ListRunsInput struct {
	Status string `json:"status,omitempty" jsonschema:"optional status filter (running completed failed interrupted)"`
}

// GetRunInput is the input schema for the elspeth_get_run tool.
type GetRunInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// ExplainRowInput is the input schema for the elspeth_explain_row tool.
type ExplainRowInput struct {
	RunID    string `json:"run_id"              jsonschema:"run identifier"`
	RowID    string `json:"row_id"              jsonschema:"row identifier"`
	SinkName string `json:"sink_name,omitempty" jsonschema:"terminal sink to follow when the row has multiple terminal tokens"`
}

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}

// handleListRuns processes elspeth_list_runs tool calls.
func (s *Server) handleListRuns(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input ListRunsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	var status *landscape.RunStatus

	if input.Status != "" {
		parsed, err := landscape.ParseRunStatus(input.Status)
		if err != nil {
			return errorResult(err)
		}

		status = &parsed
	}

	runs, err := s.rec.ListRuns(ctx, status)
	if err != nil {
		return errorResult(fmt.Errorf("list runs: %w", err))
	}

	return jsonResult(runs)
}

// handleGetRun processes elspeth_get_run tool calls.
func (s *Server) handleGetRun(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input GetRunInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.RunID == "" {
		return errorResult(ErrEmptyRunID)
	}

	run, err := s.rec.GetRun(ctx, input.RunID)
	if err != nil {
		return errorResult(fmt.Errorf("get run: %w", err))
	}

	return jsonResult(run)
}

// handleExplainRow processes elspeth_explain_row tool calls.
func (s *Server) handleExplainRow(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input ExplainRowInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.RunID == "" {
		return errorResult(ErrEmptyRunID)
	}

	if input.RowID == "" {
		return errorResult(ErrEmptyRowID)
	}

	var sinkName *string
	if input.SinkName != "" {
		sinkName = &input.SinkName
	}

	lineage, err := s.rec.ExplainRow(ctx, input.RunID, input.RowID, sinkName)
	if err != nil {
		return errorResult(fmt.Errorf("explain row: %w", err))
	}

	return jsonResult(lineage)
}
