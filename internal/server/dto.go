package server

import (
	"encoding/json"

	"yarnline/internal/domain"
)

// Request payloads

type CreateBasketRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name,omitempty"`
	Mode string  `json:"mode,omitempty" enum:"default,notes_only,archive"`
}

type IngestDumpRequest struct {
	DumpRequestID string         `json:"dump_request_id"`
	Text          string         `json:"text,omitempty"`
	FileRef       string         `json:"file_ref,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

type SubmitWorkRequest struct {
	WorkType        string          `json:"work_type" enum:"capture,substrate_extract,graph_link,reflect,compose,manual_edit,proposal_review,restore"`
	BasketID        string          `json:"basket_id,omitempty"`
	Operations      []OperationBody `json:"operations"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty" minimum:"0" maximum:"1"`
	UserOverride    string          `json:"user_override,omitempty" enum:",require_review,allow_auto"`
	Priority        string          `json:"priority,omitempty" enum:",low,normal,high,urgent"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

type OperationBody struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type ClaimWorkRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

type AdvanceWorkRequest struct {
	Stage string `json:"stage"`
}

type CompleteWorkRequest struct {
	Result map[string]any `json:"result,omitempty"`
}

type FailWorkRequest struct {
	Error     string `json:"error"`
	Retriable bool   `json:"retriable"`
}

type ReviewProposalRequest struct {
	Notes string `json:"notes,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type BasketResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
	Mode        string `json:"mode" enum:"default,notes_only,archive"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type IngestDumpResponse struct {
	DumpID   string `json:"dump_id"`
	WorkID   string `json:"work_id,omitempty"`
	Replayed bool   `json:"replayed"`
}

type SubmitWorkResponse struct {
	WorkID        string `json:"work_id"`
	ExecutionMode string `json:"execution_mode" enum:"auto_execute,create_proposal"`
	ProposalID    string `json:"proposal_id,omitempty"`
	StatusURL     string `json:"status_url"`
	Replayed      bool   `json:"replayed"`
}

type WorkItemResponse struct {
	ID              string          `json:"id"`
	WorkType        string          `json:"work_type"`
	WorkspaceID     string          `json:"workspace_id"`
	BasketID        *string         `json:"basket_id,omitempty"`
	ProcessingState string          `json:"processing_state" enum:"pending,claimed,processing,awaiting_review,completed,failed"`
	ProcessingStage *string         `json:"processing_stage,omitempty"`
	Operations      []OperationBody `json:"operations,omitempty"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	Priority        string          `json:"priority"`
	WorkResult      map[string]any  `json:"work_result,omitempty"`
	WorkerID        *string         `json:"worker_id,omitempty"`
	LeaseExpiresAt  *string         `json:"lease_expires_at,omitempty" format:"date-time"`
	Attempts        int             `json:"attempts"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	ClaimedAt       *string         `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
}

type ProposalResponse struct {
	ID          string          `json:"id"`
	WorkID      string          `json:"work_id"`
	BasketID    *string         `json:"basket_id,omitempty"`
	WorkspaceID string          `json:"workspace_id"`
	Operations  []OperationBody `json:"operations"`
	Status      string          `json:"status" enum:"PROPOSED,APPROVED,REJECTED"`
	Origin      string          `json:"origin" enum:"human,agent"`
	CreatedBy   string          `json:"created_by"`
	ReviewNotes *string         `json:"review_notes,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	ReviewedAt  *string         `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewedBy  *string         `json:"reviewed_by,omitempty"`
}

type TimelineEventResponse struct {
	ID          int64          `json:"id"`
	BasketID    string         `json:"basket_id,omitempty"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	RefID       string         `json:"ref_id,omitempty"`
	Preview     string         `json:"preview,omitempty"`
	Payload     map[string]any `json:"payload"`
	ActorID     string         `json:"actor_id"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type paginatedWorkItems struct {
	Items      []WorkItemResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedTimeline struct {
	Items      []TimelineEventResponse `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

// Conversion helpers

func basketResponse(b domain.Basket) BasketResponse {
	return BasketResponse(b)
}

func operationsBody(ops []domain.Operation) []OperationBody {
	res := make([]OperationBody, 0, len(ops))
	for _, op := range ops {
		res = append(res, OperationBody{Type: op.Type, Data: op.Data})
	}
	return res
}

func operationsDomain(ops []OperationBody) []domain.Operation {
	res := make([]domain.Operation, 0, len(ops))
	for _, op := range ops {
		res = append(res, domain.Operation{Type: op.Type, Data: op.Data})
	}
	return res
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	res := WorkItemResponse{
		ID:              w.ID,
		WorkType:        w.WorkType,
		WorkspaceID:     w.WorkspaceID,
		BasketID:        w.BasketID,
		ProcessingState: w.ProcessingState,
		ProcessingStage: w.ProcessingStage,
		Operations:      operationsBody(w.Operations),
		ConfidenceScore: w.ConfidenceScore,
		Priority:        w.Priority,
		WorkerID:        w.WorkerID,
		LeaseExpiresAt:  w.LeaseExpiresAt,
		Attempts:        w.Attempts,
		ErrorMessage:    w.ErrorMessage,
		CreatedAt:       w.CreatedAt,
		ClaimedAt:       w.ClaimedAt,
		CompletedAt:     w.CompletedAt,
	}
	if w.WorkResultJSON != nil {
		res.WorkResult = decodeJSONMap(*w.WorkResultJSON)
	}
	return res
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:          p.ID,
		WorkID:      p.WorkID,
		BasketID:    p.BasketID,
		WorkspaceID: p.WorkspaceID,
		Operations:  operationsBody(p.Operations),
		Status:      p.Status,
		Origin:      p.Origin,
		CreatedBy:   p.CreatedBy,
		ReviewNotes: p.ReviewNotes,
		CreatedAt:   p.CreatedAt,
		ReviewedAt:  p.ReviewedAt,
		ReviewedBy:  p.ReviewedBy,
	}
}

func timelineEventResponse(e domain.TimelineEvent) TimelineEventResponse {
	return TimelineEventResponse{
		ID:          e.ID,
		BasketID:    e.BasketID,
		WorkspaceID: e.WorkspaceID,
		Kind:        e.Kind,
		RefID:       e.RefID,
		Preview:     e.Preview,
		Payload:     decodeJSONMap(e.Payload),
		ActorID:     e.ActorID,
		CreatedAt:   e.CreatedAt,
	}
}

func mapWorkItems(items []domain.WorkItem) []WorkItemResponse {
	res := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workItemResponse(w))
	}
	return res
}

func mapProposals(items []domain.Proposal) []ProposalResponse {
	res := make([]ProposalResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proposalResponse(p))
	}
	return res
}

func mapTimeline(items []domain.TimelineEvent) []TimelineEventResponse {
	res := make([]TimelineEventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, timelineEventResponse(e))
	}
	return res
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
