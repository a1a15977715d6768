// Package plugins defines the contracts between the engine and the
// node implementations, plus the registry that owns construction. The
// engine holds only these interfaces; it never sees concrete plugin
// types.
package plugins

import (
	"context"
	"time"

	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// Row is the unit of data flowing through the pipeline: an open
// dictionary narrowed by a schema contract.
type Row = map[string]any

// CloneRow returns a shallow copy. Copy-mode routing uses this so two
// branches never alias the same map.
func CloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}

	return out
}

// RowIterator streams rows from a source. Next returns false when the
// source is exhausted; errors are terminal.
type RowIterator interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// Source loads rows into the pipeline.
type Source interface {
	Load(ctx context.Context, pctx *Context) (RowIterator, error)
	SchemaContract() *schema.Contract
	FieldResolution() map[string]string
	// OnSuccess is the default downstream edge label.
	OnSuccess() string
	SupportsResume() bool
	ConfigureForResume() error
	Close() error
}

// TransformStatus discriminates transform results.
type TransformStatus string

// Transform result statuses.
const (
	StatusSuccess TransformStatus = "success"
	StatusError   TransformStatus = "error"
)

// TransformResult is the outcome of processing one row. Success
// carries one row, or several for a 1-to-N expansion. Error carries a
// structured reason and the Retryable classification the batch adapter
// feeds to its AIMD controller.
type TransformResult struct {
	Status        TransformStatus
	Row           Row
	Rows          []Row
	Reason        map[string]any
	SuccessReason map[string]any
	Retryable     bool
}

// Success wraps a single output row.
func Success(row Row) *TransformResult {
	return &TransformResult{Status: StatusSuccess, Row: row}
}

// SuccessMany wraps an expansion into several rows.
func SuccessMany(rows []Row) *TransformResult {
	return &TransformResult{Status: StatusSuccess, Rows: rows}
}

// Errorf wraps a permanent failure reason.
func Errorf(reason map[string]any) *TransformResult {
	return &TransformResult{Status: StatusError, Reason: reason}
}

// RetryableError wraps a failure the batch adapter may retry.
func RetryableError(reason map[string]any) *TransformResult {
	return &TransformResult{Status: StatusError, Reason: reason, Retryable: true}
}

// OutputRows flattens the result's output regardless of arity.
func (r *TransformResult) OutputRows() []Row {
	if r.Rows != nil {
		return r.Rows
	}

	if r.Row != nil {
		return []Row{r.Row}
	}

	return nil
}

// Transform processes one row at a time.
type Transform interface {
	Process(ctx context.Context, pctx *Context, row Row) (*TransformResult, error)
}

// Submission is one row handed to a batch-aware transform together
// with the audit identifiers its eventual emission must carry.
type Submission struct {
	TokenID string
	StateID string
	Row     Row
}

// OutputPort receives results from a batch-aware transform. Emit is
// called exactly once per accepted submission, in submission order.
type OutputPort interface {
	Emit(tokenID, stateID string, result *TransformResult)
}

// BatchTransform pipelines many rows concurrently while preserving
// submission order at the output. Accept blocks when max_pending
// in-flight rows are buffered.
type BatchTransform interface {
	OnStart(ctx context.Context) error
	ConnectOutput(port OutputPort, maxPending int)
	Accept(ctx context.Context, sub Submission) error
	FlushBatchProcessing(ctx context.Context, timeout time.Duration) error
	Close() error
}

// ArtifactDescriptor describes one sink output for the audit trail.
type ArtifactDescriptor struct {
	ArtifactType   string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
	IdempotencyKey string
}

// ValidationResult is the outcome of a sink's output-target check
// before resume.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// Sink writes rows out of the pipeline.
type Sink interface {
	Write(ctx context.Context, pctx *Context, rows []Row) (*ArtifactDescriptor, error)
	Flush() error
	Close() error
	SupportsResume() bool
	ConfigureForResume() error
	ValidateOutputTarget() (*ValidationResult, error)
	SetResumeFieldResolution(mapping map[string]string)
}

// Gate decides where a row goes next.
type Gate interface {
	Decide(ctx context.Context, pctx *Context, row Row) (*RoutingAction, error)
}

// Aggregation buffers rows and emits derived rows when its trigger
// fires. Accept reports whether the buffer is ready to finalize.
type Aggregation interface {
	Accept(ctx context.Context, pctx *Context, row Row) (ready bool, err error)
	Finalize(ctx context.Context, pctx *Context) ([]Row, error)
	// TriggerDescription names the condition that flushes the buffer,
	// recorded on the batch row.
	TriggerDescription() (triggerType, reason string)
}

// RoutingKind discriminates routing actions.
type RoutingKind string

// Routing actions a gate can return.
const (
	RouteContinue RoutingKind = "continue"
	RouteTo       RoutingKind = "route_to"
	ForkTo        RoutingKind = "fork_to"
	Reject        RoutingKind = "reject"
)

// RoutingAction is a gate decision. Labels name outgoing edges; Reason
// is recorded on each routing event.
type RoutingAction struct {
	Kind   RoutingKind
	Labels []string
	Reason map[string]any
}

// Continue keeps the row on the default path.
func Continue() *RoutingAction {
	return &RoutingAction{Kind: RouteContinue}
}

// RouteToLabels moves the row to the named destinations.
func RouteToLabels(reason map[string]any, labels ...string) *RoutingAction {
	return &RoutingAction{Kind: RouteTo, Labels: labels, Reason: reason}
}

// ForkToLabels forks the row into one child per label.
func ForkToLabels(reason map[string]any, labels ...string) *RoutingAction {
	return &RoutingAction{Kind: ForkTo, Labels: labels, Reason: reason}
}

// RejectRow drops the row with a failed outcome.
func RejectRow(reason map[string]any) *RoutingAction {
	return &RoutingAction{Kind: Reject, Reason: reason}
}
