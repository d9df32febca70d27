package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"yarnline/internal/config"
	"yarnline/internal/domain"
	"yarnline/internal/engine/ops"
	"yarnline/internal/repo"
)

// User overrides accepted by the router. require_review always wins;
// allow_auto only wins when policy permits the work type to auto-execute.
const (
	OverrideRequireReview = "require_review"
	OverrideAllowAuto     = "allow_auto"
)

type SubmitRequest struct {
	WorkType        string
	WorkspaceID     string
	BasketID        string
	Operations      []domain.Operation
	ConfidenceScore *float64
	UserOverride    string
	Priority        string
	IdempotencyKey  string
	ActorID         string
	Origin          string
}

type SubmitResult struct {
	WorkID        string `json:"work_id"`
	ExecutionMode string `json:"execution_mode"`
	ProposalID    string `json:"proposal_id,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// Route is the pure governance decision. Rules are evaluated in order and
// the first match wins; a missing confidence score counts as zero so
// unconfident work routes to review.
func Route(policy config.Policy, confidence *float64, userOverride string) string {
	switch userOverride {
	case OverrideRequireReview:
		return domain.ModeCreateProposal
	case OverrideAllowAuto:
		if policy.Mode != config.PolicyAlwaysReview {
			return domain.ModeAutoExecute
		}
	}
	switch policy.Mode {
	case config.PolicyAlwaysAuto:
		return domain.ModeAutoExecute
	case config.PolicyAlwaysReview:
		return domain.ModeCreateProposal
	case config.PolicyConfidenceThreshold:
		score := 0.0
		if confidence != nil {
			score = *confidence
		}
		threshold := 1.0
		if policy.Threshold != nil {
			threshold = *policy.Threshold
		}
		if score >= threshold {
			return domain.ModeAutoExecute
		}
	}
	return domain.ModeCreateProposal
}

// Submit routes an operation bundle. auto_execute runs the operations
// synchronously before returning; create_proposal parks the work in
// awaiting_review behind a PROPOSED proposal. Validation and scope checks
// fail closed: no work item exists until they pass.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	var res SubmitResult
	if !domain.ValidWorkType(req.WorkType) {
		return res, validationf("unknown work type %q", req.WorkType)
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}
	if !domain.ValidPriority(req.Priority) {
		return res, validationf("unknown priority %q", req.Priority)
	}
	if req.ConfidenceScore != nil && (*req.ConfidenceScore < 0 || *req.ConfidenceScore > 1) {
		return res, validationf("confidence_score must be within 0..1")
	}
	if err := ops.Validate(req.Operations); err != nil {
		return res, ValidationError{Msg: err.Error()}
	}
	if req.ActorID == "" {
		req.ActorID = "system"
	}
	if req.Origin == "" {
		req.Origin = "human"
	}
	var basketID *string
	if req.BasketID != "" {
		basket, err := e.Repo.GetBasket(ctx, req.BasketID)
		if errors.Is(err, repo.ErrNotFound) {
			return res, AuthorizationError{Msg: fmt.Sprintf("basket %s not found in workspace %s", req.BasketID, req.WorkspaceID)}
		}
		if err != nil {
			return res, err
		}
		if basket.WorkspaceID != req.WorkspaceID {
			return res, AuthorizationError{Msg: fmt.Sprintf("basket %s does not belong to workspace %s", req.BasketID, req.WorkspaceID)}
		}
		basketID = &req.BasketID
	}

	mode := Route(e.Config.PolicyFor(req.WorkType), req.ConfidenceScore, req.UserOverride)
	fingerprint := Fingerprint(req.WorkType, req.BasketID, req.Operations)

	created, res, err := e.createRouted(ctx, req, basketID, mode, fingerprint)
	if err != nil || !created {
		return res, err
	}
	if mode == domain.ModeAutoExecute {
		if err := e.executeRouted(ctx, req, res.WorkID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// createRouted durably creates the work item (and proposal, for review
// routing) and emits the single work.initiated event, all in one
// transaction with the idempotency record. Returns created=false on a
// ledger replay.
func (e *Engine) createRouted(ctx context.Context, req SubmitRequest, basketID *string, mode, fingerprint string) (bool, SubmitResult, error) {
	var res SubmitResult
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, res, err
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		stored, hit, err := e.resolveLedger(ctx, tx, req.WorkspaceID, req.IdempotencyKey, fingerprint)
		if err != nil {
			return false, res, err
		}
		if hit {
			if err := json.Unmarshal([]byte(stored), &res); err != nil {
				return false, res, err
			}
			res.Replayed = true
			return false, res, nil
		}
	}

	now := e.timestamp()
	w := domain.WorkItem{
		ID:              uuid.NewString(),
		WorkType:        req.WorkType,
		WorkspaceID:     req.WorkspaceID,
		BasketID:        basketID,
		Operations:      req.Operations,
		ConfidenceScore: req.ConfidenceScore,
		Priority:        req.Priority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	res.WorkID = w.ID
	res.ExecutionMode = mode

	switch mode {
	case domain.ModeAutoExecute:
		w.ProcessingState = domain.StateProcessing
	case domain.ModeCreateProposal:
		w.ProcessingState = domain.StateAwaitingReview
	}
	if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
		return false, res, err
	}

	if mode == domain.ModeCreateProposal {
		p := domain.Proposal{
			ID:          uuid.NewString(),
			WorkID:      w.ID,
			BasketID:    basketID,
			WorkspaceID: req.WorkspaceID,
			Operations:  req.Operations,
			Status:      domain.ProposalProposed,
			Origin:      req.Origin,
			CreatedBy:   req.ActorID,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
			return false, res, err
		}
		res.ProposalID = p.ID
		if err := e.Events.Append(ctx, tx, "proposal.created", req.BasketID, req.WorkspaceID, p.ID,
			fmt.Sprintf("proposal for %s awaiting review", req.WorkType), req.ActorID,
			map[string]any{"work_id": w.ID, "origin": req.Origin}); err != nil {
			return false, res, err
		}
	}

	if err := e.Events.Append(ctx, tx, "work.initiated", req.BasketID, req.WorkspaceID, w.ID,
		fmt.Sprintf("%s routed to %s", req.WorkType, mode), req.ActorID,
		map[string]any{"work_type": req.WorkType, "execution_mode": mode, "proposal_id": res.ProposalID}); err != nil {
		return false, res, err
	}

	if req.IdempotencyKey != "" {
		if err := e.recordLedger(ctx, tx, req.WorkspaceID, req.IdempotencyKey, fingerprint, res); err != nil {
			return false, res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, res, err
	}
	return true, res, nil
}

// executeRouted runs the synchronous auto_execute path. The operations,
// completion and cascade share one transaction, so a mid-bundle failure
// rolls the substrate back and the work item is recorded failed instead.
func (e *Engine) executeRouted(ctx context.Context, req SubmitRequest, workID string) error {
	execErr := e.applyAndComplete(ctx, workID, req.WorkspaceID, req.BasketID, req.ActorID, req.Operations)
	if execErr == nil {
		return nil
	}
	if err := e.markFailed(ctx, workID, req.BasketID, req.WorkspaceID, req.ActorID, execErr.Error()); err != nil {
		return err
	}
	return ExecutionError{Err: execErr}
}

// applyAndComplete executes a bundle and completes the work item in one
// transaction, cascading before commit.
func (e *Engine) applyAndComplete(ctx context.Context, workID, workspaceID, basketID, actorID string, operations []domain.Operation) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	scope := ops.ExecScope{
		Tx:          tx,
		Store:       e.Substrate,
		Timeline:    e.Events,
		WorkID:      workID,
		BasketID:    basketID,
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		Now:         e.now(),
	}
	result, err := ops.Execute(ctx, scope, operations)
	if err != nil {
		return err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	ok, err := e.Repo.CompleteWorkItem(ctx, tx, workID, string(resultJSON), e.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("work item %s not in a completable state", workID)
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, workID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work.completed", basketID, workspaceID, workID,
		fmt.Sprintf("%s completed", w.WorkType), actorID, nil); err != nil {
		return err
	}
	if err := e.cascade(ctx, tx, w, string(resultJSON), actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// markFailed records a synchronous execution failure on the work item.
func (e *Engine) markFailed(ctx context.Context, workID, basketID, workspaceID, actorID, msg string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.FailWorkItem(ctx, tx, workID, msg, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work.failed", basketID, workspaceID, workID, msg, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
