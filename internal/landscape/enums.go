// Package landscape implements the audit plane: the relational schema,
// the recorder that is the single write path into it, and the read-side
// lineage projections.
package landscape

import "fmt"

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run lifecycle states.
const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// ParseRunStatus validates a run status string. Unknown values are an
// audit integrity failure, never a silent fallback.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunRunning, RunCompleted, RunFailed, RunInterrupted:
		return RunStatus(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid run status %q", s)}
}

// NodeType classifies a registered plugin instance.
type NodeType string

// Node types.
const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// ParseNodeType validates a node type string.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeSource, NodeTransform, NodeGate, NodeAggregation, NodeCoalesce, NodeSink:
		return NodeType(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid node type %q", s)}
}

// Determinism describes how repeatable a node's behavior is. It feeds
// the run's reproducibility grade.
type Determinism string

// Determinism classes.
const (
	Deterministic    Determinism = "deterministic"
	Seeded           Determinism = "seeded"
	Nondeterministic Determinism = "nondeterministic"
	IORead           Determinism = "io_read"
	IOWrite          Determinism = "io_write"
)

// ParseDeterminism validates a determinism string.
func ParseDeterminism(s string) (Determinism, error) {
	switch Determinism(s) {
	case Deterministic, Seeded, Nondeterministic, IORead, IOWrite:
		return Determinism(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid determinism %q", s)}
}

// EdgeMode is the routing mode of an edge.
type EdgeMode string

// Edge modes. Move transfers the token; copy keeps it live on the
// parent path as well.
const (
	ModeMove EdgeMode = "move"
	ModeCopy EdgeMode = "copy"
)

// ParseEdgeMode validates an edge mode string.
func ParseEdgeMode(s string) (EdgeMode, error) {
	switch EdgeMode(s) {
	case ModeMove, ModeCopy:
		return EdgeMode(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid edge mode %q", s)}
}

// NodeStateStatus discriminates node-state records.
type NodeStateStatus string

// Node state statuses.
const (
	StateOpen      NodeStateStatus = "open"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

// ParseNodeStateStatus validates a node-state status string.
func ParseNodeStateStatus(s string) (NodeStateStatus, error) {
	switch NodeStateStatus(s) {
	case StateOpen, StateCompleted, StateFailed:
		return NodeStateStatus(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid node state status %q", s)}
}

// TokenOutcome is the disposition of a token.
type TokenOutcome string

// Token outcomes. Only OutcomeBuffered and OutcomeConsumedInBatch are
// non-terminal.
const (
	OutcomeCompleted       TokenOutcome = "completed"
	OutcomeRouted          TokenOutcome = "routed"
	OutcomeFailed          TokenOutcome = "failed"
	OutcomeForked          TokenOutcome = "forked"
	OutcomeCoalesced       TokenOutcome = "coalesced"
	OutcomeExpanded        TokenOutcome = "expanded"
	OutcomeBuffered        TokenOutcome = "buffered"
	OutcomeConsumedInBatch TokenOutcome = "consumed_in_batch"
	OutcomeQuarantined     TokenOutcome = "quarantined"
)

// ParseTokenOutcome validates a token outcome string.
func ParseTokenOutcome(s string) (TokenOutcome, error) {
	switch TokenOutcome(s) {
	case OutcomeCompleted, OutcomeRouted, OutcomeFailed, OutcomeForked,
		OutcomeCoalesced, OutcomeExpanded, OutcomeBuffered,
		OutcomeConsumedInBatch, OutcomeQuarantined:
		return TokenOutcome(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid token outcome %q", s)}
}

// IsTerminal reports whether the outcome is final for the token.
func (o TokenOutcome) IsTerminal() bool {
	return o != OutcomeBuffered && o != OutcomeConsumedInBatch
}

// CallType classifies an external call.
type CallType string

// Call types.
const (
	CallLLM        CallType = "llm"
	CallHTTP       CallType = "http"
	CallSQL        CallType = "sql"
	CallFilesystem CallType = "filesystem"
)

// ParseCallType validates a call type string.
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallLLM, CallHTTP, CallSQL, CallFilesystem:
		return CallType(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid call type %q", s)}
}

// CallStatus is the result of an external call.
type CallStatus string

// Call statuses.
const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// ParseCallStatus validates a call status string.
func ParseCallStatus(s string) (CallStatus, error) {
	switch CallStatus(s) {
	case CallSuccess, CallError:
		return CallStatus(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid call status %q", s)}
}

// BatchStatus is the lifecycle state of an aggregation batch.
type BatchStatus string

// Batch lifecycle: draft -> executing -> completed | failed.
const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// ParseBatchStatus validates a batch status string.
func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchDraft, BatchExecuting, BatchCompleted, BatchFailed:
		return BatchStatus(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid batch status %q", s)}
}

// OperationType scopes source/sink I/O.
type OperationType string

// Operation types.
const (
	OpSourceLoad OperationType = "source_load"
	OpSinkWrite  OperationType = "sink_write"
)

// ParseOperationType validates an operation type string.
func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpSourceLoad, OpSinkWrite:
		return OperationType(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid operation type %q", s)}
}

// ExportStatus tracks audit-bundle export independently of run status.
type ExportStatus string

// Export statuses.
const (
	ExportPending   ExportStatus = "pending"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// ParseExportStatus validates an export status string.
func ParseExportStatus(s string) (ExportStatus, error) {
	switch ExportStatus(s) {
	case ExportPending, ExportCompleted, ExportFailed:
		return ExportStatus(s), nil
	}

	return "", &AuditIntegrityError{Reason: fmt.Sprintf("invalid export status %q", s)}
}

// ReproducibilityGrade summarizes how repeatable a run is given its
// nodes' determinism declarations.
type ReproducibilityGrade string

// Grades. Seeded nodes still qualify for full reproducibility; any
// nondeterministic node downgrades to replay.
const (
	FullReproducible   ReproducibilityGrade = "full_reproducible"
	ReplayReproducible ReproducibilityGrade = "replay_reproducible"
)
