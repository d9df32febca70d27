package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"yarnline/internal/domain"
	"yarnline/internal/engine/ops"
)

// Approve executes a proposal's operations and completes its linked work
// item in a single transaction. A failure anywhere rolls the whole thing
// back, leaving both the proposal and the work item untouched.
func (e *Engine) Approve(ctx context.Context, proposalID, reviewerID, notes string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	ok, err := e.Repo.ResolveProposal(ctx, tx, proposalID, domain.ProposalApproved, reviewerID, notes, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ConflictError{Msg: fmt.Sprintf("proposal %s already reviewed (%s)", proposalID, p.Status)}
	}
	basketID := ""
	if p.BasketID != nil {
		basketID = *p.BasketID
	}
	scope := ops.ExecScope{
		Tx:          tx,
		Store:       e.Substrate,
		Timeline:    e.Events,
		WorkID:      p.WorkID,
		BasketID:    basketID,
		WorkspaceID: p.WorkspaceID,
		ActorID:     reviewerID,
		Now:         e.now(),
	}
	result, err := ops.Execute(ctx, scope, p.Operations)
	if err != nil {
		return ExecutionError{Err: err}
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	ok, err = e.Repo.CompleteFromReview(ctx, tx, p.WorkID, string(resultJSON), e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ConflictError{Msg: fmt.Sprintf("work item %s is not awaiting review", p.WorkID)}
	}
	if err := e.Events.Append(ctx, tx, "proposal.approved", basketID, p.WorkspaceID, p.ID,
		"proposal approved", reviewerID, map[string]any{"work_id": p.WorkID}); err != nil {
		return err
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, p.WorkID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work.completed", basketID, p.WorkspaceID, p.WorkID,
		fmt.Sprintf("%s completed", w.WorkType), reviewerID, nil); err != nil {
		return err
	}
	if err := e.cascade(ctx, tx, w, string(resultJSON), reviewerID); err != nil {
		return err
	}
	return tx.Commit()
}

// Reject resolves a proposal as rejected and fails its work item
// non-retriably, recording the reason. No substrate mutation happens.
func (e *Engine) Reject(ctx context.Context, proposalID, reviewerID, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	ok, err := e.Repo.ResolveProposal(ctx, tx, proposalID, domain.ProposalRejected, reviewerID, reason, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ConflictError{Msg: fmt.Sprintf("proposal %s already reviewed (%s)", proposalID, p.Status)}
	}
	msg := "proposal rejected"
	if reason != "" {
		msg = "proposal rejected: " + reason
	}
	ok, err = e.Repo.FailFromReview(ctx, tx, p.WorkID, msg, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ConflictError{Msg: fmt.Sprintf("work item %s is not awaiting review", p.WorkID)}
	}
	basketID := ""
	if p.BasketID != nil {
		basketID = *p.BasketID
	}
	if err := e.Events.Append(ctx, tx, "proposal.rejected", basketID, p.WorkspaceID, p.ID,
		msg, reviewerID, map[string]any{"work_id": p.WorkID}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work.failed", basketID, p.WorkspaceID, p.WorkID, msg, reviewerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
