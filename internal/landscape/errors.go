package landscape

import "errors"

// AuditIntegrityError reports a violated recorder invariant: a second
// terminal outcome, a completed state without an output hash, an
// unknown enum value. The audit trail can no longer be trusted, so
// callers must abort rather than continue recording.
type AuditIntegrityError struct {
	Reason string
}

func (e *AuditIntegrityError) Error() string {
	return "audit integrity: " + e.Reason
}

// ErrRunNotFound is returned by read helpers for an unknown run ID.
var ErrRunNotFound = errors.New("landscape: run not found")

// ErrTokenNotFound is returned by read helpers for an unknown token ID.
var ErrTokenNotFound = errors.New("landscape: token not found")

// ErrRowNotFound is returned by read helpers for an unknown row ID.
var ErrRowNotFound = errors.New("landscape: row not found")

// ErrAmbiguousLineage is returned by ExplainRow when a row has multiple
// terminal tokens and no sink filter was given.
var ErrAmbiguousLineage = errors.New("landscape: row has multiple terminal tokens; a sink filter is required")
