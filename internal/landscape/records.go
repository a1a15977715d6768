package landscape

import "time"

// Run is the top-level container for a pipeline execution. Immutable
// after completion except for the export status fields.
type Run struct {
	RunID                string               `db:"run_id"`
	StartedAt            time.Time            `db:"started_at"`
	CompletedAt          *time.Time           `db:"completed_at"`
	ConfigHash           string               `db:"config_hash"`
	SettingsJSON         string               `db:"settings_json"`
	CanonicalVersion     string               `db:"canonical_version"`
	SourceSchemaJSON     *string              `db:"source_schema_json"`
	SourceFieldsJSON     *string              `db:"source_field_resolution_json"`
	Status               RunStatus             `db:"status"`
	ReproducibilityGrade *ReproducibilityGrade `db:"reproducibility_grade"`
	ExportStatus         *string              `db:"export_status"`
	ExportError          *string              `db:"export_error"`
	ExportedAt           *time.Time           `db:"exported_at"`
	ExportFormat         *string              `db:"export_format"`
	ExportSink           *string              `db:"export_sink"`
}

// Node is a registered plugin instance. Append-only per run.
type Node struct {
	NodeID             string      `db:"node_id"`
	RunID              string      `db:"run_id"`
	PluginName         string      `db:"plugin_name"`
	NodeType           NodeType    `db:"node_type"`
	PluginVersion      string      `db:"plugin_version"`
	Determinism        Determinism `db:"determinism"`
	ConfigHash         string      `db:"config_hash"`
	ConfigJSON         string      `db:"config_json"`
	SchemaMode         *string     `db:"schema_mode"`
	SchemaFieldsJSON   *string     `db:"schema_fields_json"`
	SequenceInPipeline *int        `db:"sequence_in_pipeline"`
	RegisteredAt       time.Time   `db:"registered_at"`
}

// Edge is a directed labeled link between two nodes of one run.
type Edge struct {
	EdgeID      string    `db:"edge_id"`
	RunID       string    `db:"run_id"`
	FromNodeID  string    `db:"from_node_id"`
	ToNodeID    string    `db:"to_node_id"`
	Label       string    `db:"label"`
	DefaultMode EdgeMode  `db:"default_mode"`
	CreatedAt   time.Time `db:"created_at"`
}

// Row is the record produced by a source. The hash is preserved forever
// even when the payload reference is purged.
type Row struct {
	RowID          string    `db:"row_id"`
	RunID          string    `db:"run_id"`
	SourceNodeID   string    `db:"source_node_id"`
	RowIndex       int       `db:"row_index"`
	SourceDataHash string    `db:"source_data_hash"`
	SourceDataRef  *string   `db:"source_data_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

// Token is an instance of a row traveling along a specific DAG path.
type Token struct {
	TokenID        string    `db:"token_id"`
	RowID          string    `db:"row_id"`
	ForkGroupID    *string   `db:"fork_group_id"`
	JoinGroupID    *string   `db:"join_group_id"`
	ExpandGroupID  *string   `db:"expand_group_id"`
	BranchName     *string   `db:"branch_name"`
	StepInPipeline *int      `db:"step_in_pipeline"`
	CreatedAt      time.Time `db:"created_at"`
}

// TokenParent links a child token to one of its parents with a stable
// ordinal, so multi-parent merges stay fully traceable.
type TokenParent struct {
	TokenID       string `db:"token_id"`
	ParentTokenID string `db:"parent_token_id"`
	Ordinal       int    `db:"ordinal"`
}

// NodeState records a token visiting a node with an attempt counter.
type NodeState struct {
	StateID           string          `db:"state_id"`
	TokenID           string          `db:"token_id"`
	RunID             string          `db:"run_id"`
	NodeID            string          `db:"node_id"`
	StepIndex         int             `db:"step_index"`
	Attempt           int             `db:"attempt"`
	Status            NodeStateStatus `db:"status"`
	InputHash         string          `db:"input_hash"`
	OutputHash        *string         `db:"output_hash"`
	ContextBeforeJSON *string         `db:"context_before_json"`
	ContextAfterJSON  *string         `db:"context_after_json"`
	DurationMS        *float64        `db:"duration_ms"`
	ErrorJSON         *string         `db:"error_json"`
	SuccessReasonJSON *string         `db:"success_reason_json"`
	StartedAt         time.Time       `db:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at"`
}

// RoutingEvent is one routing decision at a node state with fanout.
type RoutingEvent struct {
	EventID        string    `db:"event_id"`
	StateID        string    `db:"state_id"`
	EdgeID         string    `db:"edge_id"`
	RoutingGroupID string    `db:"routing_group_id"`
	Ordinal        int       `db:"ordinal"`
	Mode           EdgeMode  `db:"mode"`
	ReasonHash     *string   `db:"reason_hash"`
	ReasonRef      *string   `db:"reason_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

// TokenOutcomeRecord is a terminal or intermediate disposition row.
type TokenOutcomeRecord struct {
	OutcomeID            string       `db:"outcome_id"`
	RunID                string       `db:"run_id"`
	TokenID              string       `db:"token_id"`
	Outcome              TokenOutcome `db:"outcome"`
	IsTerminal           bool         `db:"is_terminal"`
	RecordedAt           time.Time    `db:"recorded_at"`
	SinkName             *string      `db:"sink_name"`
	BatchID              *string      `db:"batch_id"`
	ForkGroupID          *string      `db:"fork_group_id"`
	JoinGroupID          *string      `db:"join_group_id"`
	ExpandGroupID        *string      `db:"expand_group_id"`
	ErrorHash            *string      `db:"error_hash"`
	ContextJSON          *string      `db:"context_json"`
	ExpectedBranchesJSON *string      `db:"expected_branches_json"`
}

// Batch is an aggregation grouping with a retry attempt counter.
type Batch struct {
	BatchID            string      `db:"batch_id"`
	RunID              string      `db:"run_id"`
	AggregationNodeID  string      `db:"aggregation_node_id"`
	AggregationStateID *string     `db:"aggregation_state_id"`
	TriggerReason      *string     `db:"trigger_reason"`
	TriggerType        *string     `db:"trigger_type"`
	Attempt            int         `db:"attempt"`
	Status             BatchStatus `db:"status"`
	CreatedAt          time.Time   `db:"created_at"`
	CompletedAt        *time.Time  `db:"completed_at"`
}

// BatchMember joins a token into a batch at an ordinal position.
type BatchMember struct {
	BatchID string `db:"batch_id"`
	TokenID string `db:"token_id"`
	Ordinal int    `db:"ordinal"`
}

// Call is an external I/O event under a node state or an operation.
// Exactly one of StateID/OperationID is set.
type Call struct {
	CallID       string     `db:"call_id"`
	StateID      *string    `db:"state_id"`
	OperationID  *string    `db:"operation_id"`
	CallIndex    int        `db:"call_index"`
	CallType     CallType   `db:"call_type"`
	Status       CallStatus `db:"status"`
	RequestHash  string     `db:"request_hash"`
	RequestRef   *string    `db:"request_ref"`
	ResponseHash *string    `db:"response_hash"`
	ResponseRef  *string    `db:"response_ref"`
	ErrorJSON    *string    `db:"error_json"`
	LatencyMS    *float64   `db:"latency_ms"`
	CreatedAt    time.Time  `db:"created_at"`
}

// Operation scopes source/sink I/O: the source/sink equivalent of a
// node state, parented at run/node level because sources create tokens
// rather than processing them.
type Operation struct {
	OperationID   string        `db:"operation_id"`
	RunID         string        `db:"run_id"`
	NodeID        string        `db:"node_id"`
	OperationType OperationType `db:"operation_type"`
	StartedAt     time.Time     `db:"started_at"`
	CompletedAt   *time.Time    `db:"completed_at"`
	Status        string        `db:"status"`
	InputDataRef  *string       `db:"input_data_ref"`
	OutputDataRef *string       `db:"output_data_ref"`
	ErrorMessage  *string       `db:"error_message"`
	DurationMS    *float64      `db:"duration_ms"`
}

// Artifact is a sink output descriptor.
type Artifact struct {
	ArtifactID        string    `db:"artifact_id"`
	RunID             string    `db:"run_id"`
	ProducedByStateID string    `db:"produced_by_state_id"`
	SinkNodeID        string    `db:"sink_node_id"`
	ArtifactType      string    `db:"artifact_type"`
	PathOrURI         string    `db:"path_or_uri"`
	ContentHash       string    `db:"content_hash"`
	SizeBytes         int64     `db:"size_bytes"`
	IdempotencyKey    *string   `db:"idempotency_key"`
	CreatedAt         time.Time `db:"created_at"`
}

// ValidationErrorRecord is a row that failed schema validation at the
// source; it never received a token, so it is keyed by row hash.
type ValidationErrorRecord struct {
	ErrorID     string    `db:"error_id"`
	RunID       string    `db:"run_id"`
	NodeID      *string   `db:"node_id"`
	RowHash     string    `db:"row_hash"`
	RowDataJSON *string   `db:"row_data_json"`
	Error       string    `db:"error"`
	SchemaMode  string    `db:"schema_mode"`
	Destination string    `db:"destination"`
	CreatedAt   time.Time `db:"created_at"`
}

// TransformErrorRecord is a row a transform rejected via an error result.
type TransformErrorRecord struct {
	ErrorID          string    `db:"error_id"`
	RunID            string    `db:"run_id"`
	TokenID          string    `db:"token_id"`
	TransformID      string    `db:"transform_id"`
	RowHash          string    `db:"row_hash"`
	RowDataJSON      *string   `db:"row_data_json"`
	ErrorDetailsJSON *string   `db:"error_details_json"`
	Destination      string    `db:"destination"`
	CreatedAt        time.Time `db:"created_at"`
}

// SecretResolution records which environment variable fed a config
// secret, as a salted hash. Plaintext secret values never land here.
type SecretResolution struct {
	ResolutionID string    `db:"resolution_id"`
	RunID        string    `db:"run_id"`
	EnvVar       string    `db:"env_var"`
	ValueHash    string    `db:"value_hash"`
	ResolvedAt   time.Time `db:"resolved_at"`
}

// Checkpoint is a persisted resume cursor.
type Checkpoint struct {
	CheckpointID            string    `db:"checkpoint_id"`
	RunID                   string    `db:"run_id"`
	TokenID                 string    `db:"token_id"`
	NodeID                  string    `db:"node_id"`
	SequenceNumber          int64     `db:"sequence_number"`
	AggregationStateJSON    *string   `db:"aggregation_state_json"`
	UpstreamTopologyHash    string    `db:"upstream_topology_hash"`
	CheckpointNodeConfigSum string    `db:"checkpoint_node_config_hash"`
	FormatVersion           *int      `db:"format_version"`
	CreatedAt               time.Time `db:"created_at"`
}
