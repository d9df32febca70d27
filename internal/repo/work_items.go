package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"yarnline/internal/domain"
)

const workItemCols = `id,work_type,workspace_id,basket_id,processing_state,processing_stage,operations_json,confidence_score,priority,input_refs_json,work_result_json,worker_id,lease_expires_at,attempts,error_message,created_at,claimed_at,completed_at,updated_at`

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	ops, err := marshalOperations(w.Operations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.WorkType, w.WorkspaceID, nullableStringPtr(w.BasketID), w.ProcessingState, nullableStringPtr(w.ProcessingStage),
		ops, nullableFloatPtr(w.ConfidenceScore), w.Priority, nullableStringPtr(w.InputRefsJSON), nullableStringPtr(w.WorkResultJSON),
		nullableStringPtr(w.WorkerID), nullableStringPtr(w.LeaseExpiresAt), w.Attempts, nullableStringPtr(w.ErrorMessage),
		w.CreatedAt, nullableStringPtr(w.ClaimedAt), nullableStringPtr(w.CompletedAt), w.UpdatedAt)
	return err
}

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var basketID, stage, ops, inputRefs, result, workerID, lease, errMsg, claimedAt, completedAt sql.NullString
	var confidence sql.NullFloat64
	err := scan(&w.ID, &w.WorkType, &w.WorkspaceID, &basketID, &w.ProcessingState, &stage, &ops, &confidence,
		&w.Priority, &inputRefs, &result, &workerID, &lease, &w.Attempts, &errMsg, &w.CreatedAt, &claimedAt, &completedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if basketID.Valid {
		w.BasketID = &basketID.String
	}
	if stage.Valid {
		w.ProcessingStage = &stage.String
	}
	if ops.Valid && ops.String != "" {
		if err := json.Unmarshal([]byte(ops.String), &w.Operations); err != nil {
			return w, fmt.Errorf("decode operations: %w", err)
		}
	}
	if confidence.Valid {
		w.ConfidenceScore = &confidence.Float64
	}
	if inputRefs.Valid {
		w.InputRefsJSON = &inputRefs.String
	}
	if result.Valid {
		w.WorkResultJSON = &result.String
	}
	if workerID.Valid {
		w.WorkerID = &workerID.String
	}
	if lease.Valid {
		w.LeaseExpiresAt = &lease.String
	}
	if errMsg.Valid {
		w.ErrorMessage = &errMsg.String
	}
	if claimedAt.Valid {
		w.ClaimedAt = &claimedAt.String
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	return w, nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

type WorkItemFilters struct {
	WorkspaceID     string
	BasketID        string
	WorkType        string
	ProcessingState string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.BasketID != "" {
		clauses = append(clauses, "basket_id=?")
		args = append(args, f.BasketID)
	}
	if f.WorkType != "" {
		clauses = append(clauses, "work_type=?")
		args = append(args, f.WorkType)
	}
	if f.ProcessingState != "" {
		clauses = append(clauses, "processing_state=?")
		args = append(args, f.ProcessingState)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + workItemCols + ` FROM work_items ` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// ClaimWorkItem performs the compare-and-swap claim: it succeeds only when
// the item is pending, or claimed/processing with an expired lease. Returns
// false when the conditional update matched no row (claim conflict).
func (r Repo) ClaimWorkItem(ctx context.Context, tx *sql.Tx, id, workerID string, now time.Time, leaseFor time.Duration) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	leaseStr := now.UTC().Add(leaseFor).Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET processing_state='claimed', worker_id=?, claimed_at=?, lease_expires_at=?, updated_at=?
WHERE id=? AND (
	processing_state='pending'
	OR (processing_state IN ('claimed','processing') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
)`, workerID, nowStr, leaseStr, nowStr, id, nowStr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NextClaimable returns the oldest pending (or lease-expired) item ordered by
// priority. Used by polling workers; the actual claim is still the CAS above.
func (r Repo) NextClaimable(ctx context.Context, workspaceID string, now time.Time) (domain.WorkItem, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	clauses := []string{`(processing_state='pending' OR (processing_state IN ('claimed','processing') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))`}
	args := []any{nowStr}
	if workspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, workspaceID)
	}
	query := `SELECT ` + workItemCols + ` FROM work_items ` + buildWhere(clauses) + `
ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
	created_at ASC, id ASC LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanWorkItem(row.Scan)
}

// AdvanceStage updates the progress label only; state is untouched.
func (r Repo) AdvanceStage(ctx context.Context, id, stage string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_items SET processing_stage=?, updated_at=?
WHERE id=? AND processing_state IN ('claimed','processing')`,
		stage, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkProcessing moves a claimed item to processing.
func (r Repo) MarkProcessing(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET processing_state='processing', updated_at=?
WHERE id=? AND processing_state='claimed'`, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteWorkItem transitions claimed/processing to completed and stores the
// result. Guarded so terminal states never regress.
func (r Repo) CompleteWorkItem(ctx context.Context, tx *sql.Tx, id, resultJSON string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET processing_state='completed', work_result_json=?, completed_at=?, updated_at=?, error_message=NULL
WHERE id=? AND processing_state IN ('claimed','processing')`, resultJSON, nowStr, nowStr, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RequeueWorkItem resets a retriable failure back to pending.
func (r Repo) RequeueWorkItem(ctx context.Context, tx *sql.Tx, id, errMsg string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET processing_state='pending', attempts=attempts+1, error_message=?, worker_id=NULL, lease_expires_at=NULL, processing_stage=NULL, updated_at=?
WHERE id=? AND processing_state IN ('claimed','processing')`, errMsg, nowStr, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailWorkItem marks the item terminally failed.
func (r Repo) FailWorkItem(ctx context.Context, tx *sql.Tx, id, errMsg string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET processing_state='failed', attempts=attempts+1, error_message=?, updated_at=?
WHERE id=? AND processing_state IN ('pending','claimed','processing','awaiting_review')`, errMsg, nowStr, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteFromReview transitions awaiting_review to completed; only the
// proposal approval path calls this.
func (r Repo) CompleteFromReview(ctx context.Context, tx *sql.Tx, id, resultJSON string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET processing_state='completed', work_result_json=?, completed_at=?, updated_at=?
WHERE id=? AND processing_state='awaiting_review'`, resultJSON, nowStr, nowStr, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailFromReview transitions awaiting_review to failed (proposal rejection).
func (r Repo) FailFromReview(ctx context.Context, tx *sql.Tx, id, errMsg string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE work_items
SET processing_state='failed', error_message=?, updated_at=?
WHERE id=? AND processing_state='awaiting_review'`, errMsg, nowStr, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func marshalOperations(ops []domain.Operation) (any, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal operations: %w", err)
	}
	return string(b), nil
}
