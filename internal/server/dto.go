package server

import (
	"encoding/json"

	"teamgate/internal/domain"
	"teamgate/internal/engine"
	"teamgate/internal/gate"
)

type GateRunResponse struct {
	ID           string               `json:"id"`
	PipelineID   string               `json:"pipeline_id"`
	BaseRevision string               `json:"base_revision,omitempty"`
	Overall      string               `json:"overall" enum:"pass,fail"`
	ActorID      string               `json:"actor_id"`
	CreatedAt    string               `json:"created_at" format:"date-time"`
	Checks       []domain.CheckResult `json:"checks,omitempty"`
}

func gateRunResponse(run domain.GateRun, includeChecks bool) GateRunResponse {
	out := GateRunResponse{
		ID:           run.ID,
		PipelineID:   run.PipelineID,
		BaseRevision: run.BaseRevision,
		Overall:      run.Overall,
		ActorID:      run.ActorID,
		CreatedAt:    run.CreatedAt,
	}
	if includeChecks {
		var report domain.GateReport
		if err := json.Unmarshal([]byte(run.ReportJSON), &report); err == nil {
			out.Checks = report.Checks
		}
	}
	return out
}

func mapGateRuns(runs []domain.GateRun) []GateRunResponse {
	out := make([]GateRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, gateRunResponse(run, false))
	}
	return out
}

type GateStatusResponse struct {
	RunID        string      `json:"run_id"`
	PipelineID   string      `json:"pipeline_id"`
	Overall      gate.Color  `json:"overall" enum:"green,yellow,red"`
	Gates        []gate.Gate `json:"gates"`
	BlockedRules []string    `json:"blocked_rules,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
}

func gateStatusResponse(st engine.Status) GateStatusResponse {
	return GateStatusResponse{
		RunID:        st.Run.ID,
		PipelineID:   st.Run.PipelineID,
		Overall:      st.Overall,
		Gates:        st.Gates,
		BlockedRules: st.Blocked,
		CreatedAt:    st.Run.CreatedAt,
	}
}

type RunGateRequest struct {
	Base       string `json:"base,omitempty" example:"HEAD"`
	EditorRole string `json:"editor_role,omitempty" example:"white"`
	Scope      string `json:"scope,omitempty" enum:"staged,tracked"`
}

type ExceptionRequest struct {
	Rule      string `json:"rule"`
	Scope     string `json:"scope"`
	Reason    string `json:"reason"`
	Owner     string `json:"owner"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type RemediationRequest struct {
	Rule     string `json:"rule"`
	Evidence string `json:"evidence"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	PipelineID string          `json:"pipeline_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PipelineID: e.PipelineID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
