package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"yarnline/internal/domain"
)

// cascade enqueues the next pipeline stage after a successful completion.
// It runs inside the completion transaction and is guarded by the
// idempotency ledger keyed on (work_id, next_stage), so a replayed
// completion cannot enqueue duplicate downstream work. Skipped stages emit
// stage.skipped and the walk continues to the next enabled stage; COMPOSE
// is terminal.
func (e *Engine) cascade(ctx context.Context, tx *sql.Tx, w domain.WorkItem, resultJSON, actorID string) error {
	next := domain.NextStage(w.WorkType)
	if next == "" {
		return nil
	}
	basketID := ""
	if w.BasketID != nil {
		basketID = *w.BasketID
	}

	key := fmt.Sprintf("cascade:%s:%s", w.ID, next)
	fingerprint := Fingerprint(w.ID, next)
	_, hit, err := e.resolveLedger(ctx, tx, w.WorkspaceID, key, fingerprint)
	if err != nil {
		return err
	}
	if hit {
		return nil
	}

	basketMode, err := basketModeTx(ctx, tx, basketID)
	if err != nil {
		return err
	}
	for next != "" && e.skipsStage(next, basketMode) {
		if err := e.Events.Append(ctx, tx, "stage.skipped", basketID, w.WorkspaceID, w.ID,
			fmt.Sprintf("%s skipped", next), actorID, map[string]any{"stage": next}); err != nil {
			return err
		}
		next = domain.NextStage(next)
	}
	if next == "" {
		return e.recordLedger(ctx, tx, w.WorkspaceID, key, fingerprint, map[string]any{"enqueued": false})
	}

	now := e.timestamp()
	enqueued := domain.WorkItem{
		ID:              uuid.NewString(),
		WorkType:        next,
		WorkspaceID:     w.WorkspaceID,
		BasketID:        w.BasketID,
		ProcessingState: domain.StatePending,
		Priority:        w.Priority,
		InputRefsJSON:   &resultJSON,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertWorkItem(ctx, tx, enqueued); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work.initiated", basketID, w.WorkspaceID, enqueued.ID,
		fmt.Sprintf("%s enqueued by cascade", next), actorID,
		map[string]any{"work_type": next, "execution_mode": "queued", "cascaded_from": w.ID}); err != nil {
		return err
	}
	return e.recordLedger(ctx, tx, w.WorkspaceID, key, fingerprint, map[string]any{"enqueued": true, "work_id": enqueued.ID})
}

// skipsStage combines workspace-level skips with basket-mode skips:
// notes_only baskets never build the relationship graph, archive baskets
// stop after linking.
func (e *Engine) skipsStage(stage, basketMode string) bool {
	if e.Config.SkipsStage(stage) {
		return true
	}
	switch basketMode {
	case "notes_only":
		return stage == domain.WorkGraphLink
	case "archive":
		return stage == domain.WorkReflect || stage == domain.WorkCompose
	}
	return false
}

func basketModeTx(ctx context.Context, tx *sql.Tx, basketID string) (string, error) {
	if basketID == "" {
		return "", nil
	}
	var mode string
	err := tx.QueryRowContext(ctx, `SELECT mode FROM baskets WHERE id=?`, basketID).Scan(&mode)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return mode, err
}
