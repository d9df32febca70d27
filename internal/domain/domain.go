package domain

// Work types in fixed pipeline order. manual_edit, proposal_review and
// restore sit outside the cascade.
const (
	WorkCapture          = "capture"
	WorkSubstrateExtract = "substrate_extract"
	WorkGraphLink        = "graph_link"
	WorkReflect          = "reflect"
	WorkCompose          = "compose"
	WorkManualEdit       = "manual_edit"
	WorkProposalReview   = "proposal_review"
	WorkRestore          = "restore"
)

// Processing states. completed and failed are terminal.
const (
	StatePending        = "pending"
	StateClaimed        = "claimed"
	StateProcessing     = "processing"
	StateAwaitingReview = "awaiting_review"
	StateCompleted      = "completed"
	StateFailed         = "failed"
)

// Execution modes chosen by the governance router.
const (
	ModeAutoExecute    = "auto_execute"
	ModeCreateProposal = "create_proposal"
)

// Proposal statuses.
const (
	ProposalProposed = "PROPOSED"
	ProposalApproved = "APPROVED"
	ProposalRejected = "REJECTED"
)

type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Basket struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
	Mode        string `json:"mode" enum:"default,notes_only,archive"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Operation is one tagged substrate mutation inside a work bundle.
type Operation struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type WorkItem struct {
	ID              string      `json:"id"`
	WorkType        string      `json:"work_type" enum:"capture,substrate_extract,graph_link,reflect,compose,manual_edit,proposal_review,restore"`
	WorkspaceID     string      `json:"workspace_id"`
	BasketID        *string     `json:"basket_id,omitempty"`
	ProcessingState string      `json:"processing_state" enum:"pending,claimed,processing,awaiting_review,completed,failed"`
	ProcessingStage *string     `json:"processing_stage,omitempty"`
	Operations      []Operation `json:"operations,omitempty"`
	ConfidenceScore *float64    `json:"confidence_score,omitempty"`
	Priority        string      `json:"priority" enum:"low,normal,high,urgent"`
	InputRefsJSON   *string     `json:"input_refs_json,omitempty"`
	WorkResultJSON  *string     `json:"work_result_json,omitempty"`
	WorkerID        *string     `json:"worker_id,omitempty"`
	LeaseExpiresAt  *string     `json:"lease_expires_at,omitempty" format:"date-time"`
	Attempts        int         `json:"attempts"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	ClaimedAt       *string     `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt     *string     `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt       string      `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the work item can no longer change state.
func (w WorkItem) Terminal() bool {
	return w.ProcessingState == StateCompleted || w.ProcessingState == StateFailed
}

type Proposal struct {
	ID          string      `json:"id"`
	WorkID      string      `json:"work_id"`
	BasketID    *string     `json:"basket_id,omitempty"`
	WorkspaceID string      `json:"workspace_id"`
	Operations  []Operation `json:"operations"`
	Status      string      `json:"status" enum:"PROPOSED,APPROVED,REJECTED"`
	Origin      string      `json:"origin" enum:"human,agent"`
	CreatedBy   string      `json:"created_by"`
	ReviewNotes *string     `json:"review_notes,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	ReviewedAt  *string     `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewedBy  *string     `json:"reviewed_by,omitempty"`
}

type IdempotencyRecord struct {
	Key         string `json:"key"`
	WorkspaceID string `json:"workspace_id"`
	Fingerprint string `json:"fingerprint"`
	ResultJSON  string `json:"result_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TimelineEvent struct {
	ID          int64  `json:"id"`
	BasketID    string `json:"basket_id,omitempty"`
	WorkspaceID string `json:"workspace_id"`
	Kind        string `json:"kind"`
	RefID       string `json:"ref_id,omitempty"`
	Preview     string `json:"preview,omitempty"`
	Payload     string `json:"payload_json"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Dump is an immutable raw capture.
type Dump struct {
	ID          string  `json:"id"`
	BasketID    string  `json:"basket_id"`
	WorkspaceID string  `json:"workspace_id"`
	Body        string  `json:"body,omitempty"`
	FileRef     *string `json:"file_ref,omitempty"`
	MetaJSON    *string `json:"meta_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Block struct {
	ID           string   `json:"id"`
	BasketID     string   `json:"basket_id"`
	WorkspaceID  string   `json:"workspace_id"`
	SemanticType string   `json:"semantic_type"`
	Title        string   `json:"title,omitempty"`
	Content      string   `json:"content"`
	Confidence   *float64 `json:"confidence,omitempty"`
	State        string   `json:"state"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type ContextItem struct {
	ID          string `json:"id"`
	BasketID    string `json:"basket_id"`
	WorkspaceID string `json:"workspace_id"`
	Kind        string `json:"kind"`
	Label       string `json:"label"`
	Content     string `json:"content,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Relationship struct {
	ID               string   `json:"id"`
	BasketID         string   `json:"basket_id"`
	FromType         string   `json:"from_type"`
	FromID           string   `json:"from_id"`
	ToType           string   `json:"to_type"`
	ToID             string   `json:"to_id"`
	RelationshipType string   `json:"relationship_type"`
	Strength         *float64 `json:"strength,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

type Reflection struct {
	ID          string `json:"id"`
	BasketID    string `json:"basket_id"`
	WorkspaceID string `json:"workspace_id"`
	Body        string `json:"body"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Document struct {
	ID          string `json:"id"`
	BasketID    string `json:"basket_id"`
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
	Body        string `json:"body,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type DocumentRef struct {
	DocumentID    string `json:"document_id"`
	SubstrateType string `json:"substrate_type"`
	SubstrateID   string `json:"substrate_id"`
	Role          string `json:"role,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PipelineOrder is the fixed cascade sequence.
var PipelineOrder = []string{WorkCapture, WorkSubstrateExtract, WorkGraphLink, WorkReflect, WorkCompose}

// NextStage returns the pipeline stage after workType, or "" when terminal
// or when workType is not a pipeline stage.
func NextStage(workType string) string {
	for i, wt := range PipelineOrder {
		if wt == workType && i+1 < len(PipelineOrder) {
			return PipelineOrder[i+1]
		}
	}
	return ""
}

// ValidWorkType reports whether wt is one of the known work types.
func ValidWorkType(wt string) bool {
	switch wt {
	case WorkCapture, WorkSubstrateExtract, WorkGraphLink, WorkReflect,
		WorkCompose, WorkManualEdit, WorkProposalReview, WorkRestore:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case "low", "normal", "high", "urgent":
		return true
	}
	return false
}
