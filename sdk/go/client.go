package yarnlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Yarnline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Basket represents the API basket model.
type Basket struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Operation is one tagged substrate mutation inside a work bundle.
type Operation struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// IngestResult reports the outcome of a dump ingestion.
type IngestResult struct {
	DumpID   string `json:"dump_id"`
	WorkID   string `json:"work_id,omitempty"`
	Replayed bool   `json:"replayed"`
}

// SubmitResult reports the routing decision for a submitted bundle.
type SubmitResult struct {
	WorkID        string `json:"work_id"`
	ExecutionMode string `json:"execution_mode"`
	ProposalID    string `json:"proposal_id,omitempty"`
	StatusURL     string `json:"status_url"`
	Replayed      bool   `json:"replayed"`
}

// SubmitOptions carries the optional governance inputs for Submit.
type SubmitOptions struct {
	ConfidenceScore *float64
	UserOverride    string
	Priority        string
	IdempotencyKey  string
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID              string         `json:"id"`
	WorkType        string         `json:"work_type"`
	WorkspaceID     string         `json:"workspace_id"`
	BasketID        *string        `json:"basket_id,omitempty"`
	ProcessingState string         `json:"processing_state"`
	ProcessingStage *string        `json:"processing_stage,omitempty"`
	Operations      []Operation    `json:"operations,omitempty"`
	Priority        string         `json:"priority"`
	WorkResult      map[string]any `json:"work_result,omitempty"`
	Attempts        int            `json:"attempts"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// WorkStatus is the derived progress view of a work item.
type WorkStatus struct {
	WorkID              string         `json:"work_id"`
	WorkType            string         `json:"work_type"`
	State               string         `json:"state"`
	Stage               string         `json:"stage,omitempty"`
	ProgressPercentage  int            `json:"progress_percentage"`
	EstimatedCompletion *string        `json:"estimated_completion,omitempty"`
	Attempts            int            `json:"attempts"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	SubstrateImpact     map[string]any `json:"substrate_impact,omitempty"`
}

// Proposal represents a bundle parked for review.
type Proposal struct {
	ID          string      `json:"id"`
	WorkID      string      `json:"work_id"`
	BasketID    *string     `json:"basket_id,omitempty"`
	WorkspaceID string      `json:"workspace_id"`
	Operations  []Operation `json:"operations"`
	Status      string      `json:"status"`
	Origin      string      `json:"origin"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   string      `json:"created_at"`
}

// TimelineEvent is one append-only log entry.
type TimelineEvent struct {
	ID          int64          `json:"id"`
	BasketID    string         `json:"basket_id,omitempty"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	RefID       string         `json:"ref_id,omitempty"`
	Preview     string         `json:"preview,omitempty"`
	Payload     map[string]any `json:"payload"`
	ActorID     string         `json:"actor_id"`
	CreatedAt   string         `json:"created_at"`
}

// PaginatedTimeline wraps timeline listings with a cursor.
type PaginatedTimeline struct {
	Items      []TimelineEvent `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBasket creates a basket.
func (c *Client) CreateBasket(ctx context.Context, name, mode string) (Basket, error) {
	body := map[string]any{
		"name": name,
		"mode": mode,
	}
	var resp Basket
	err := c.do(ctx, http.MethodPost, "v0/baskets", body, &resp)
	return resp, err
}

// GetBasket fetches a basket by id.
func (c *Client) GetBasket(ctx context.Context, basketID string) (Basket, error) {
	var resp Basket
	endpoint := fmt.Sprintf("v0/baskets/%s", url.PathEscape(basketID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// IngestDump submits a raw capture. Retries with the same requestID replay
// the original result instead of creating a duplicate.
func (c *Client) IngestDump(ctx context.Context, basketID, requestID, text string) (IngestResult, error) {
	body := map[string]any{
		"dump_request_id": requestID,
		"text":            text,
	}
	var resp IngestResult
	endpoint := fmt.Sprintf("v0/baskets/%s/dumps", url.PathEscape(basketID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Submit routes an operation bundle through governance.
func (c *Client) Submit(ctx context.Context, workType, basketID string, operations []Operation, opts *SubmitOptions) (SubmitResult, error) {
	body := map[string]any{
		"work_type":  workType,
		"basket_id":  basketID,
		"operations": operations,
	}
	if opts != nil {
		if opts.ConfidenceScore != nil {
			body["confidence_score"] = *opts.ConfidenceScore
		}
		if opts.UserOverride != "" {
			body["user_override"] = opts.UserOverride
		}
		if opts.Priority != "" {
			body["priority"] = opts.Priority
		}
		if opts.IdempotencyKey != "" {
			body["idempotency_key"] = opts.IdempotencyKey
		}
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/work", body, &resp)
	return resp, err
}

// GetWork fetches a work item by id.
func (c *Client) GetWork(ctx context.Context, workID string) (WorkItem, error) {
	var resp WorkItem
	endpoint := fmt.Sprintf("v0/work/%s", url.PathEscape(workID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WorkStatus returns progress, ETA and substrate impact for a work item.
func (c *Client) WorkStatus(ctx context.Context, workID string) (WorkStatus, error) {
	var resp WorkStatus
	endpoint := fmt.Sprintf("v0/work/%s/status", url.PathEscape(workID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ClaimNext claims the next pending work item for this worker.
func (c *Client) ClaimNext(ctx context.Context, workerID string, leaseSeconds int) (WorkItem, error) {
	body := map[string]any{
		"worker_id":     workerID,
		"lease_seconds": leaseSeconds,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/work/claim-next", body, &resp)
	return resp, err
}

// CompleteWork finishes a claimed work item with a result payload.
func (c *Client) CompleteWork(ctx context.Context, workID string, result map[string]any) error {
	body := map[string]any{"result": result}
	endpoint := fmt.Sprintf("v0/work/%s/complete", url.PathEscape(workID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// FailWork records a failure; retriable failures may be re-queued.
func (c *Client) FailWork(ctx context.Context, workID, reason string, retriable bool) error {
	body := map[string]any{"error": reason, "retriable": retriable}
	endpoint := fmt.Sprintf("v0/work/%s/fail", url.PathEscape(workID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ListProposals returns proposals, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, status string) ([]Proposal, error) {
	var resp struct {
		Items []Proposal `json:"items"`
	}
	endpoint := "v0/proposals"
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApproveProposal approves a proposal, executing its operations.
func (c *Client) ApproveProposal(ctx context.Context, proposalID, notes string) error {
	body := map[string]any{"notes": notes}
	endpoint := fmt.Sprintf("v0/proposals/%s/approve", url.PathEscape(proposalID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// RejectProposal rejects a proposal, failing the linked work item.
func (c *Client) RejectProposal(ctx context.Context, proposalID, reason string) error {
	body := map[string]any{"notes": reason}
	endpoint := fmt.Sprintf("v0/proposals/%s/reject", url.PathEscape(proposalID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// Timeline returns basket timeline events ascending from the cursor.
func (c *Client) Timeline(ctx context.Context, basketID string, limit int, cursor string) (PaginatedTimeline, error) {
	endpoint := fmt.Sprintf("v0/baskets/%s/timeline", url.PathEscape(basketID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedTimeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
