// Package coalesce merges parallel branches back into single tokens.
// The executor is a state machine keyed by (coalesce name, row):
// arrivals accumulate until the policy's merge condition fires, the
// run's source drains, or a timeout promotes the entry to its terminal
// outcome.
package coalesce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/tokens"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// Policy decides when a pending entry merges.
type Policy string

// Merge policies.
const (
	RequireAll Policy = "require_all"
	First      Policy = "first"
	Quorum     Policy = "quorum"
	BestEffort Policy = "best_effort"
)

// MergeStrategy decides how arrived rows combine.
type MergeStrategy string

// Merge strategies.
const (
	Union  MergeStrategy = "union"
	Nested MergeStrategy = "nested"
	Select MergeStrategy = "select"
)

// Failure reasons recorded on failed outcomes.
const (
	ReasonIncompleteBranches    = "incomplete_branches"
	ReasonLateArrival           = "late_arrival_after_merge"
	ReasonSelectBranchNotFirst  = "select_branch_not_arrived"
	ReasonQuorumNotMet          = "quorum_not_met"
	ReasonQuorumNotMetAtTimeout = "quorum_not_met_at_timeout"
)

// Bound on the completed-key memory so long runs cannot grow it
// without limit. Late arrivals older than the window degrade to
// unmatched arrivals, which still fail loudly.
const maxCompletedKeys = 10000

// Settings registers one named coalesce point.
type Settings struct {
	Name     string
	NodeID   string
	Branches []string
	Policy   Policy
	// QuorumCount is the arrival count that triggers a quorum merge.
	QuorumCount int
	// Timeout promotes pending entries when CheckTimeouts runs. Zero
	// means no timeout.
	Timeout      time.Duration
	Merge        MergeStrategy
	SelectBranch string
}

func (s *Settings) validate() error {
	if s.Name == "" || s.NodeID == "" {
		return fmt.Errorf("coalesce settings need a name and node id")
	}

	if len(s.Branches) < 2 {
		return fmt.Errorf("coalesce %q needs at least two branches", s.Name)
	}

	if s.Policy == Quorum && (s.QuorumCount < 1 || s.QuorumCount > len(s.Branches)) {
		return fmt.Errorf("coalesce %q quorum %d out of range for %d branches", s.Name, s.QuorumCount, len(s.Branches))
	}

	if s.Merge == Select {
		found := false

		for _, b := range s.Branches {
			if b == s.SelectBranch {
				found = true

				break
			}
		}

		if !found {
			return fmt.Errorf("coalesce %q selects unknown branch %q", s.Name, s.SelectBranch)
		}
	}

	return nil
}

// FatalError is an arrival the audit trail cannot represent, such as a
// duplicate (row, branch) pair. The run must stop.
type FatalError struct {
	Coalesce string
	RowID    string
	Branch   string
	Reason   string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("coalesce %s: row %s branch %s: %s", e.Coalesce, e.RowID, e.Branch, e.Reason)
}

// Result is the outcome of an accept, timeout check, or flush for one
// row: either a merged token continuing downstream, or a recorded
// failure.
type Result struct {
	Coalesce string
	RowID    string
	Merged   *tokens.TokenInfo
	Failed   bool
	Reason   string
}

type arrival struct {
	token     *tokens.TokenInfo
	branch    string
	stateID   string
	arrivedAt time.Time
}

type pendingEntry struct {
	rowID    string
	step     int
	first    time.Time
	arrivals []arrival
	byBranch map[string]int
}

// Executor drives every registered coalesce point for one run.
type Executor struct {
	recorder *landscape.Recorder
	manager  *tokens.Manager
	logger   *slog.Logger
	now      func() time.Time

	settings map[string]*Settings
	pending  map[string]map[string]*pendingEntry

	completedSet   map[string]bool
	completedQueue []string
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an executor over the given coalesce points.
func NewExecutor(recorder *landscape.Recorder, manager *tokens.Manager, logger *slog.Logger, points []*Settings, opts ...Option) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		recorder:     recorder,
		manager:      manager,
		logger:       logger,
		now:          time.Now,
		settings:     map[string]*Settings{},
		pending:      map[string]map[string]*pendingEntry{},
		completedSet: map[string]bool{},
	}

	for _, s := range points {
		if err := s.validate(); err != nil {
			return nil, err
		}

		if _, dup := e.settings[s.Name]; dup {
			return nil, fmt.Errorf("coalesce %q registered twice", s.Name)
		}

		e.settings[s.Name] = s
		e.pending[s.Name] = map[string]*pendingEntry{}
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func completedKey(name, rowID string) string {
	return name + "\x00" + rowID
}

func (e *Executor) markCompleted(name, rowID string) {
	key := completedKey(name, rowID)
	if e.completedSet[key] {
		return
	}

	e.completedSet[key] = true
	e.completedQueue = append(e.completedQueue, key)

	if len(e.completedQueue) > maxCompletedKeys {
		evict := e.completedQueue[0]
		e.completedQueue = e.completedQueue[1:]
		delete(e.completedSet, evict)
	}
}

// Accept inserts one arriving token. The returned Result is nil while
// the entry is still waiting for more branches.
func (e *Executor) Accept(ctx context.Context, name string, token *tokens.TokenInfo, step int) (*Result, error) {
	s, ok := e.settings[name]
	if !ok {
		return nil, fmt.Errorf("unknown coalesce %q", name)
	}

	branch := token.BranchName
	if !branchDeclared(s, branch) {
		return nil, &FatalError{Coalesce: name, RowID: token.RowID, Branch: branch,
			Reason: "arrival on undeclared branch"}
	}

	// Arrivals after the row already merged or failed are recorded as
	// failures, not folded in.
	if e.completedSet[completedKey(name, token.RowID)] {
		if err := e.failArrival(ctx, s, token, step, ReasonLateArrival); err != nil {
			return nil, err
		}

		return &Result{RowID: token.RowID, Failed: true, Reason: ReasonLateArrival}, nil
	}

	entry := e.pending[name][token.RowID]
	if entry == nil {
		entry = &pendingEntry{
			rowID:    token.RowID,
			step:     step,
			first:    e.now(),
			byBranch: map[string]int{},
		}
		e.pending[name][token.RowID] = entry
	}

	if _, dup := entry.byBranch[branch]; dup {
		return nil, &FatalError{Coalesce: name, RowID: token.RowID, Branch: branch,
			Reason: "duplicate arrival; silent overwrite would lose a token"}
	}

	state, err := e.recorder.BeginNodeState(ctx, e.manager.RunID(), token.TokenID, s.NodeID, step, 0,
		token.RowData, map[string]any{"coalesce": name, "branch": branch})
	if err != nil {
		return nil, err
	}

	entry.byBranch[branch] = len(entry.arrivals)
	entry.arrivals = append(entry.arrivals, arrival{
		token:     token,
		branch:    branch,
		stateID:   state.StateID,
		arrivedAt: e.now(),
	})

	switch s.Policy {
	case First:
		if s.Merge == Select && branch != s.SelectBranch {
			return e.failEntry(ctx, s, entry, ReasonSelectBranchNotFirst)
		}

		return e.mergeEntry(ctx, s, entry)
	case RequireAll:
		if len(entry.arrivals) == len(s.Branches) {
			return e.mergeEntry(ctx, s, entry)
		}
	case Quorum:
		if len(entry.arrivals) >= s.QuorumCount {
			return e.mergeEntry(ctx, s, entry)
		}
	case BestEffort:
		if len(entry.arrivals) == len(s.Branches) {
			return e.mergeEntry(ctx, s, entry)
		}
	}

	return nil, nil
}

// CheckTimeouts promotes entries older than the coalesce timeout to
// their terminal outcome. The orchestrator drives this between rows.
func (e *Executor) CheckTimeouts(ctx context.Context) ([]*Result, error) {
	var results []*Result

	for name, s := range e.settings {
		if s.Timeout <= 0 {
			continue
		}

		for rowID, entry := range e.pending[name] {
			if e.now().Sub(entry.first) < s.Timeout {
				continue
			}

			var (
				result *Result
				err    error
			)

			switch s.Policy {
			case BestEffort:
				result, err = e.mergeEntry(ctx, s, entry)
			case Quorum:
				result, err = e.failEntry(ctx, s, entry, ReasonQuorumNotMetAtTimeout)
			default:
				result, err = e.failEntry(ctx, s, entry, ReasonIncompleteBranches)
			}

			if err != nil {
				return results, err
			}

			e.logger.Warn("coalesce timeout",
				"coalesce", name, "row_id", rowID, "policy", string(s.Policy), "failed", result.Failed)

			results = append(results, result)
		}
	}

	return results, nil
}

// FlushPending drains every pending entry at end of source.
func (e *Executor) FlushPending(ctx context.Context) ([]*Result, error) {
	var results []*Result

	for name, s := range e.settings {
		for _, entry := range e.pending[name] {
			var (
				result *Result
				err    error
			)

			switch s.Policy {
			case BestEffort:
				result, err = e.mergeEntry(ctx, s, entry)
			case Quorum:
				result, err = e.failEntry(ctx, s, entry, ReasonQuorumNotMet)
			default:
				result, err = e.failEntry(ctx, s, entry, ReasonIncompleteBranches)
			}

			if err != nil {
				return results, err
			}

			results = append(results, result)
		}
	}

	return results, nil
}

// PendingCount reports rows still waiting across all coalesce points.
func (e *Executor) PendingCount() int {
	n := 0
	for _, entries := range e.pending {
		n += len(entries)
	}

	return n
}

func branchDeclared(s *Settings, branch string) bool {
	for _, b := range s.Branches {
		if b == branch {
			return true
		}
	}

	return false
}

func (e *Executor) mergeEntry(ctx context.Context, s *Settings, entry *pendingEntry) (*Result, error) {
	if s.Merge == Select {
		if _, ok := entry.byBranch[s.SelectBranch]; !ok {
			return e.failEntry(ctx, s, entry, ReasonSelectBranchNotFirst)
		}
	}

	merged := e.mergeRows(s, entry)
	mergeMeta := e.coalesceContext(s, entry)

	for _, a := range entry.arrivals {
		err := e.recorder.CompleteNodeState(ctx, a.stateID, merged,
			map[string]any{"coalesce_context": mergeMeta}, nil)
		if err != nil {
			return nil, err
		}
	}

	parents := make([]*tokens.TokenInfo, len(entry.arrivals))
	for i, a := range entry.arrivals {
		parents[i] = a.token
	}

	info, err := e.manager.Coalesce(ctx, parents, merged, entry.step)
	if err != nil {
		return nil, err
	}

	delete(e.pending[s.Name], entry.rowID)
	e.markCompleted(s.Name, entry.rowID)

	return &Result{Coalesce: s.Name, RowID: entry.rowID, Merged: info}, nil
}

func (e *Executor) mergeRows(s *Settings, entry *pendingEntry) plugins.Row {
	switch s.Merge {
	case Nested:
		out := plugins.Row{}
		for _, a := range entry.arrivals {
			out[a.branch] = plugins.CloneRow(a.token.RowData)
		}

		return out
	case Select:
		return plugins.CloneRow(entry.arrivals[entry.byBranch[s.SelectBranch]].token.RowData)
	default:
		// Union: shallow merge in arrival order, last writer wins.
		out := plugins.Row{}
		for _, a := range entry.arrivals {
			for k, v := range a.token.RowData {
				out[k] = v
			}
		}

		return out
	}
}

// coalesceContext is the per-merge metadata persisted into the
// completed states so lineage queries can explain the merge.
func (e *Executor) coalesceContext(s *Settings, entry *pendingEntry) map[string]any {
	arrived := make([]string, len(entry.arrivals))
	offsets := map[string]any{}

	for i, a := range entry.arrivals {
		arrived[i] = a.branch
		offsets[a.branch] = a.arrivedAt.Sub(entry.first).Milliseconds()
	}

	return map[string]any{
		"policy":             string(s.Policy),
		"merge":              string(s.Merge),
		"expected_branches":  s.Branches,
		"arrived_branches":   arrived,
		"arrival_offsets_ms": offsets,
		"total_wait_ms":      e.now().Sub(entry.first).Milliseconds(),
	}
}

func (e *Executor) failEntry(ctx context.Context, s *Settings, entry *pendingEntry, reason string) (*Result, error) {
	details := e.failureDetails(s, entry, reason)

	errorHash, err := canonical.Hash(details)
	if err != nil {
		return nil, fmt.Errorf("hashing coalesce failure: %w", err)
	}

	for _, a := range entry.arrivals {
		if err := e.recorder.FailNodeState(ctx, a.stateID, details); err != nil {
			return nil, err
		}

		_, err := e.recorder.RecordTokenOutcome(ctx, e.manager.RunID(), a.token.TokenID,
			landscape.OutcomeFailed, landscape.OutcomeParams{ErrorHash: &errorHash, Context: details})
		if err != nil {
			return nil, err
		}
	}

	delete(e.pending[s.Name], entry.rowID)
	e.markCompleted(s.Name, entry.rowID)

	return &Result{Coalesce: s.Name, RowID: entry.rowID, Failed: true, Reason: reason}, nil
}

// failArrival records a single token arriving after its row already
// settled.
func (e *Executor) failArrival(ctx context.Context, s *Settings, token *tokens.TokenInfo, step int, reason string) error {
	state, err := e.recorder.BeginNodeState(ctx, e.manager.RunID(), token.TokenID, s.NodeID, step, 0,
		token.RowData, map[string]any{"coalesce": s.Name, "branch": token.BranchName})
	if err != nil {
		return err
	}

	details := map[string]any{"reason": reason, "coalesce": s.Name, "branch": token.BranchName}

	if err := e.recorder.FailNodeState(ctx, state.StateID, details); err != nil {
		return err
	}

	errorHash, err := canonical.Hash(details)
	if err != nil {
		return fmt.Errorf("hashing late arrival failure: %w", err)
	}

	_, err = e.recorder.RecordTokenOutcome(ctx, e.manager.RunID(), token.TokenID,
		landscape.OutcomeFailed, landscape.OutcomeParams{ErrorHash: &errorHash, Context: details})

	return err
}

func (e *Executor) failureDetails(s *Settings, entry *pendingEntry, reason string) map[string]any {
	arrived := make([]string, len(entry.arrivals))
	for i, a := range entry.arrivals {
		arrived[i] = a.branch
	}

	return map[string]any{
		"reason":            reason,
		"coalesce":          s.Name,
		"policy":            string(s.Policy),
		"expected_branches": s.Branches,
		"arrived_branches":  arrived,
	}
}
