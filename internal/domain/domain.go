package domain

// Run is one row of run_registry.csv. A run is never updated in place; a
// status change is a new row with a later created_utc.
type Run struct {
	RunID        string `json:"run_id"`
	CurrentPhase int    `json:"current_phase"`
	Status       string `json:"status" enum:"active,blocked,completed"`
	PipelineMode string `json:"pipeline_mode" enum:"full,lite"`
	CreatedUTC   string `json:"created_utc" format:"date-time"`
}

// TeamPhase maps a team id to its canonical position in the pipeline.
type TeamPhase struct {
	TeamID     string `json:"team_id"`
	PhaseOrder int    `json:"phase_order"`
}

// Handoff is one row of handoff_log.csv.
type Handoff struct {
	EntryID           string `json:"entry_id"`
	RunID             string `json:"run_id"`
	FromTeam          string `json:"from_team"`
	ToTeam            string `json:"to_team"`
	TimestampUTC      string `json:"timestamp_utc" format:"date-time"`
	SupersedesEntryID string `json:"supersedes_entry_id,omitempty"`
}

// Decision is one row of decision_log.csv.
type Decision struct {
	DecisionID           string `json:"decision_id"`
	RunID                string `json:"run_id"`
	DecisionText         string `json:"decision_text"`
	TimestampUTC         string `json:"timestamp_utc" format:"date-time"`
	SupersedesDecisionID string `json:"supersedes_decision_id,omitempty"`
}

// ChangeRequest is one row of change_request_queue.csv.
type ChangeRequest struct {
	RequestID           string `json:"request_id"`
	RunID               string `json:"run_id,omitempty"`
	SourceTeam          string `json:"source_team"`
	Status              string `json:"status"`
	Statement           string `json:"statement,omitempty"`
	SupersedesRequestID string `json:"supersedes_request_id,omitempty"`
}

// AssetEdit is a file-level diff entry examined by the authority enforcer.
// EditorRole is a caller-supplied claim, not a verified identity.
type AssetEdit struct {
	Path          string `json:"path"`
	EditorRole    string `json:"editor_role"`
	HasProvenance bool   `json:"has_provenance_reference"`
}

// SecretFinding is a transient scan hit; findings are never persisted.
type SecretFinding struct {
	Scope   string `json:"scope" enum:"staged,tracked"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Pattern string `json:"matched_pattern"`
}

// CheckResult is one harness catalog entry's verdict.
type CheckResult struct {
	ID      string `json:"id"`
	Status  string `json:"status" enum:"pass,fail"`
	Message string `json:"message"`
}

// GateReport is the aggregate artifact of one harness run. It is written
// once and never mutated.
type GateReport struct {
	Checks  []CheckResult `json:"checks"`
	Overall string        `json:"overall" enum:"pass,fail"`
}

// GateRun is a persisted harness invocation.
type GateRun struct {
	ID           string `json:"id"`
	PipelineID   string `json:"pipeline_id"`
	BaseRevision string `json:"base_revision,omitempty"`
	Overall      string `json:"overall"`
	ReportJSON   string `json:"report_json"`
	ActorID      string `json:"actor_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Exception is a time-bounded, role-approved override for a red gate.
type Exception struct {
	ID           string `json:"id"`
	Rule         string `json:"rule"`
	Scope        string `json:"scope"`
	Reason       string `json:"reason"`
	Owner        string `json:"owner"`
	ApprovedRole string `json:"approved_role"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	ExpiresAt    string `json:"expires_at" format:"date-time"`
}

// Remediation is recorded evidence that moves a red gate back to green.
type Remediation struct {
	ID        string `json:"id"`
	Rule      string `json:"rule"`
	Evidence  string `json:"evidence"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PipelineID string `json:"pipeline_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a CI consumer against the gate API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
