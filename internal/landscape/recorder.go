package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// Recorder is the single write path into the audit database. The engine
// never writes SQL directly; every mutation funnels through here so the
// schema invariants are enforced in one place.
type Recorder struct {
	db       *DB
	payloads payload.Store
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	callIndices   map[string]int
	opCallIndices map[string]int
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPayloadStore attaches a content-addressed payload store. When
// set, the recorder persists row and call payloads and records their
// references alongside the hashes.
func WithPayloadStore(store payload.Store) RecorderOption {
	return func(r *Recorder) { r.payloads = store }
}

// WithClock overrides the time source. Tests use this for stable
// timestamps.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder builds a recorder over an open audit database.
func NewRecorder(db *DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:            db,
		logger:        db.logger,
		now:           func() time.Time { return time.Now().UTC() },
		callIndices:   map[string]int{},
		opCallIndices: map[string]int{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// DB exposes the underlying handle for the read-side projections.
func (r *Recorder) DB() *DB {
	return r.db
}

// PayloadStore returns the attached payload store, or nil.
func (r *Recorder) PayloadStore() payload.Store {
	return r.payloads
}

// storePayload canonicalizes v, stores it when a payload store is
// configured, and returns the hash plus an optional store reference.
// The hash is computed over the canonical bytes either way, so audit
// rows stay verifiable after the payload itself is purged.
func (r *Recorder) storePayload(v any) (string, *string, error) {
	data, err := canonical.JSON(v)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalizing payload: %w", err)
	}

	hash := canonical.HashBytes(data)

	if r.payloads == nil {
		return hash, nil, nil
	}

	ref, err := r.payloads.Store(data)
	if err != nil {
		return "", nil, fmt.Errorf("storing payload: %w", err)
	}

	return hash, &ref, nil
}

// BeginRunParams carries the optional fields of BeginRun.
type BeginRunParams struct {
	RunID            string
	SourceSchemaJSON *string
}

// BeginRun opens a new run record in status running. Settings are
// stored as canonical JSON so the config hash is reproducible.
func (r *Recorder) BeginRun(ctx context.Context, config map[string]any, params BeginRunParams) (*Run, error) {
	settings, err := canonical.JSON(config)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing run config: %w", err)
	}

	runID := params.RunID
	if runID == "" {
		runID = NewRunID()
	}

	run := &Run{
		RunID:            runID,
		StartedAt:        r.now(),
		ConfigHash:       canonical.HashBytes(settings),
		SettingsJSON:     string(settings),
		CanonicalVersion: canonical.Version,
		SourceSchemaJSON: params.SourceSchemaJSON,
		Status:           RunRunning,
	}

	const q = `INSERT INTO runs
		(run_id, started_at, config_hash, settings_json, canonical_version, source_schema_json, status)
		VALUES (:run_id, :started_at, :config_hash, :settings_json, :canonical_version, :source_schema_json, :status)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, run); err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	r.logger.Info("run started", "run_id", runID, "config_hash", run.ConfigHash)

	return run, nil
}

// CompleteRun closes a run with a terminal status and the computed
// reproducibility grade. Non-terminal statuses are rejected.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status RunStatus) (*Run, error) {
	switch status {
	case RunCompleted, RunFailed, RunInterrupted:
	default:
		return nil, &AuditIntegrityError{
			Reason: fmt.Sprintf("complete run requires a terminal status, got %q", status),
		}
	}

	grade, err := r.ComputeReproducibilityGrade(ctx, runID)
	if err != nil {
		return nil, err
	}

	const q = `UPDATE runs
		SET status = ?, completed_at = ?, reproducibility_grade = ?
		WHERE run_id = ?`

	res, err := r.db.conn.ExecContext(ctx, q, status, r.now(), grade, runID)
	if err != nil {
		return nil, fmt.Errorf("completing run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("completing run %s: %w", runID, ErrRunNotFound)
	}

	r.logger.Info("run completed", "run_id", runID, "status", status, "grade", grade)

	return r.GetRun(ctx, runID)
}

// UpdateRunStatus changes run status without touching completed_at.
// Resume uses this to move interrupted runs back to running.
func (r *Recorder) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := r.db.conn.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %s: %w", runID, ErrRunNotFound)
	}

	return nil
}

// SetExportStatus tracks audit-bundle export separately from run
// status, so an export failure never masks a completed run.
func (r *Recorder) SetExportStatus(ctx context.Context, runID string, status ExportStatus, exportErr, format, sink *string) error {
	var exportedAt *time.Time

	if status == ExportCompleted {
		ts := r.now()
		exportedAt = &ts
	}

	// Stale errors are cleared on any transition away from failed.
	if status != ExportFailed {
		exportErr = nil
	}

	const q = `UPDATE runs
		SET export_status = ?, export_error = ?, exported_at = ?,
			export_format = COALESCE(?, export_format),
			export_sink = COALESCE(?, export_sink)
		WHERE run_id = ?`

	res, err := r.db.conn.ExecContext(ctx, q, status, exportErr, exportedAt, format, sink, runID)
	if err != nil {
		return fmt.Errorf("setting export status: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("setting export status for %s: %w", runID, ErrRunNotFound)
	}

	return nil
}

// RecordSourceFieldResolution stores the header-to-field mapping a
// source computed during load. Headers are only known at load time, so
// this lands after node registration.
func (r *Recorder) RecordSourceFieldResolution(ctx context.Context, runID string, mapping map[string]string) error {
	data, err := canonical.JSON(map[string]any{"resolution_mapping": mapping})
	if err != nil {
		return fmt.Errorf("canonicalizing field resolution: %w", err)
	}

	_, err = r.db.conn.ExecContext(ctx,
		`UPDATE runs SET source_field_resolution_json = ? WHERE run_id = ?`,
		string(data), runID)
	if err != nil {
		return fmt.Errorf("recording field resolution: %w", err)
	}

	return nil
}

// RecordSecretResolution notes that a config secret was satisfied from
// an environment variable. Only a salted hash of the value is stored.
func (r *Recorder) RecordSecretResolution(ctx context.Context, runID, envVar, valueHash string) error {
	rec := &SecretResolution{
		ResolutionID: NewID(),
		RunID:        runID,
		EnvVar:       envVar,
		ValueHash:    valueHash,
		ResolvedAt:   r.now(),
	}

	const q = `INSERT INTO secret_resolutions
		(resolution_id, run_id, env_var, value_hash, resolved_at)
		VALUES (:resolution_id, :run_id, :env_var, :value_hash, :resolved_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, rec); err != nil {
		return fmt.Errorf("recording secret resolution: %w", err)
	}

	return nil
}

// RegisterNodeParams carries node registration fields.
type RegisterNodeParams struct {
	NodeID             string
	PluginName         string
	NodeType           NodeType
	PluginVersion      string
	Determinism        Determinism
	Config             map[string]any
	SchemaMode         *string
	SchemaFieldsJSON   *string
	SequenceInPipeline *int
}

// RegisterNode records a plugin instance for the run. Registration is
// append-only; re-registering a node ID within a run is an integrity
// failure.
func (r *Recorder) RegisterNode(ctx context.Context, runID string, params RegisterNodeParams) (*Node, error) {
	configJSON, err := canonical.JSON(params.Config)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing node config: %w", err)
	}

	node := &Node{
		NodeID:             params.NodeID,
		RunID:              runID,
		PluginName:         params.PluginName,
		NodeType:           params.NodeType,
		PluginVersion:      params.PluginVersion,
		Determinism:        params.Determinism,
		ConfigHash:         canonical.HashBytes(configJSON),
		ConfigJSON:         string(configJSON),
		SchemaMode:         params.SchemaMode,
		SchemaFieldsJSON:   params.SchemaFieldsJSON,
		SequenceInPipeline: params.SequenceInPipeline,
		RegisteredAt:       r.now(),
	}

	const q = `INSERT INTO nodes
		(node_id, run_id, plugin_name, node_type, plugin_version, determinism,
		 config_hash, config_json, schema_mode, schema_fields_json, sequence_in_pipeline, registered_at)
		VALUES (:node_id, :run_id, :plugin_name, :node_type, :plugin_version, :determinism,
		 :config_hash, :config_json, :schema_mode, :schema_fields_json, :sequence_in_pipeline, :registered_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, node); err != nil {
		return nil, fmt.Errorf("registering node %s: %w", params.NodeID, err)
	}

	return node, nil
}

// RegisterEdge records a directed labeled edge. The (run, from, label)
// pair is unique so routing labels resolve to exactly one destination.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode EdgeMode) (*Edge, error) {
	edge := &Edge{
		EdgeID:      NewID(),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: mode,
		CreatedAt:   r.now(),
	}

	const q = `INSERT INTO edges
		(edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES (:edge_id, :run_id, :from_node_id, :to_node_id, :label, :default_mode, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, r.db.conn, q, edge); err != nil {
		return nil, fmt.Errorf("registering edge %s -> %s: %w", fromNodeID, toNodeID, err)
	}

	return edge, nil
}

// GetRun fetches a run by ID.
func (r *Recorder) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run

	err := sqlx.GetContext(ctx, r.db.conn, &run,
		`SELECT run_id, started_at, completed_at, config_hash, settings_json,
			canonical_version, source_schema_json, source_field_resolution_json,
			status, reproducibility_grade, export_status, export_error,
			exported_at, export_format, export_sink
		 FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("fetching run: %w", err)
	}

	return &run, nil
}

// ComputeReproducibilityGrade derives the run's grade from its nodes'
// determinism declarations. Seeded still grades as fully reproducible;
// any nondeterministic node downgrades the run to replay.
func (r *Recorder) ComputeReproducibilityGrade(ctx context.Context, runID string) (ReproducibilityGrade, error) {
	var count int

	err := sqlx.GetContext(ctx, r.db.conn, &count,
		`SELECT COUNT(*) FROM nodes WHERE run_id = ? AND determinism = ?`,
		runID, Nondeterministic)
	if err != nil {
		return "", fmt.Errorf("computing reproducibility grade: %w", err)
	}

	if count > 0 {
		return ReplayReproducible, nil
	}

	return FullReproducible, nil
}
