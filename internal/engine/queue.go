package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"yarnline/internal/domain"
	"yarnline/internal/engine/ops"
	"yarnline/internal/repo"
)

// Claim takes an exclusive lease on a work item. The underlying conditional
// update succeeds only for pending items or expired leases, so concurrent
// claims are mutually exclusive; the losers get ErrClaimConflict.
func (e *Engine) Claim(ctx context.Context, workID, workerID string, lease time.Duration) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ClaimWorkItem(ctx, tx, workID, workerID, e.now(), e.lease(lease))
	if err != nil {
		return domain.WorkItem{}, err
	}
	if !ok {
		if _, getErr := e.Repo.GetWorkItemTx(ctx, tx, workID); errors.Is(getErr, repo.ErrNotFound) {
			return domain.WorkItem{}, repo.ErrNotFound
		}
		return domain.WorkItem{}, ErrClaimConflict
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, workID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// ClaimNext claims the highest-priority claimable item. Claim conflicts are
// absorbed by moving on to the next candidate; repo.ErrNotFound means the
// queue is empty.
func (e *Engine) ClaimNext(ctx context.Context, workspaceID, workerID string, lease time.Duration) (domain.WorkItem, error) {
	for attempt := 0; attempt < 3; attempt++ {
		candidate, err := e.Repo.NextClaimable(ctx, workspaceID, e.now())
		if err != nil {
			return domain.WorkItem{}, err
		}
		w, err := e.Claim(ctx, candidate.ID, workerID, lease)
		if errors.Is(err, ErrClaimConflict) {
			continue
		}
		return w, err
	}
	return domain.WorkItem{}, ErrClaimConflict
}

// Advance updates the progress stage label only; processing_state is
// untouched.
func (e *Engine) Advance(ctx context.Context, workID, stage string) error {
	ok, err := e.Repo.AdvanceStage(ctx, workID, stage, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("work item %s is not claimed", workID)
	}
	return nil
}

// ExecuteClaimed runs a claimed item's operations and completes it. The
// operations, the completion and the cascade share one transaction; a
// failure rolls everything back and routes through Fail instead. Cascade
// items carry no operations of their own, so workers may pass a produced
// bundle that replaces the stored one.
func (e *Engine) ExecuteClaimed(ctx context.Context, w domain.WorkItem, workerID string, produced []domain.Operation) error {
	operations := w.Operations
	if len(produced) > 0 {
		operations = produced
	}
	basketID := ""
	if w.BasketID != nil {
		basketID = *w.BasketID
	}
	execErr := e.executeClaimedTx(ctx, w, workerID, basketID, operations)
	if execErr == nil {
		return nil
	}
	retriable := true
	var ee ExecutionError
	if errors.As(execErr, &ee) {
		retriable = ee.Retriable
	}
	return errors.Join(execErr, e.Fail(ctx, w.ID, execErr.Error(), retriable))
}

func (e *Engine) executeClaimedTx(ctx context.Context, w domain.WorkItem, workerID, basketID string, operations []domain.Operation) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.MarkProcessing(ctx, tx, w.ID, e.now()); err != nil {
		return err
	}
	scope := ops.ExecScope{
		Tx:          tx,
		Store:       e.Substrate,
		Timeline:    e.Events,
		WorkID:      w.ID,
		BasketID:    basketID,
		WorkspaceID: w.WorkspaceID,
		ActorID:     workerID,
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
	ok, err := e.Repo.CompleteWorkItem(ctx, tx, w.ID, string(resultJSON), e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimConflict
	}
	completed, err := e.Repo.GetWorkItemTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work.completed", basketID, w.WorkspaceID, w.ID,
		fmt.Sprintf("%s completed", w.WorkType), workerID, nil); err != nil {
		return err
	}
	if err := e.cascade(ctx, tx, completed, string(resultJSON), workerID); err != nil {
		return err
	}
	return tx.Commit()
}

// Complete records a result produced outside the engine and triggers the
// cascade before returning. Requires the item to be claimed or processing.
func (e *Engine) Complete(ctx context.Context, workID, resultJSON, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CompleteWorkItem(ctx, tx, workID, resultJSON, e.now())
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
	basketID := ""
	if w.BasketID != nil {
		basketID = *w.BasketID
	}
	if err := e.Events.Append(ctx, tx, "work.completed", basketID, w.WorkspaceID, w.ID,
		fmt.Sprintf("%s completed", w.WorkType), actorID, nil); err != nil {
		return err
	}
	if err := e.cascade(ctx, tx, w, resultJSON, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail re-queues a retriable failure while the attempt budget lasts,
// otherwise fails the item terminally.
func (e *Engine) Fail(ctx context.Context, workID, errMsg string, retriable bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, workID)
	if err != nil {
		return err
	}
	basketID := ""
	if w.BasketID != nil {
		basketID = *w.BasketID
	}
	if retriable && w.Attempts < e.Config.MaxAttemptsFor(w.WorkType) {
		ok, err := e.Repo.RequeueWorkItem(ctx, tx, workID, errMsg, e.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("work item %s not in a failable state", workID)
		}
		if err := e.Events.Append(ctx, tx, "work.requeued", basketID, w.WorkspaceID, w.ID, errMsg, "system",
			map[string]any{"attempts": w.Attempts + 1}); err != nil {
			return err
		}
		return tx.Commit()
	}
	ok, err := e.Repo.FailWorkItem(ctx, tx, workID, errMsg, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("work item %s not in a failable state", workID)
	}
	if err := e.Events.Append(ctx, tx, "work.failed", basketID, w.WorkspaceID, w.ID, errMsg, "system", nil); err != nil {
		return err
	}
	return tx.Commit()
}
