package repo

import (
	"context"
	"database/sql"
	"fmt"

	"yarnline/internal/domain"
)

const timelineCols = `id,basket_id,workspace_id,kind,ref_id,preview,payload_json,actor_id,created_at`

func scanTimelineEvent(scan func(dest ...any) error) (domain.TimelineEvent, error) {
	var e domain.TimelineEvent
	var basketID, refID, preview, payload sql.NullString
	err := scan(&e.ID, &basketID, &e.WorkspaceID, &e.Kind, &refID, &preview, &payload, &e.ActorID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if basketID.Valid {
		e.BasketID = basketID.String
	}
	if refID.Valid {
		e.RefID = refID.String
	}
	if preview.Valid {
		e.Preview = preview.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// TimelineAfter returns events with IDs greater than the cursor in ascending
// order, matching the per-basket total order guarantee.
func (r Repo) TimelineAfter(ctx context.Context, limit int, cursor int64, basketID string) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if basketID != "" {
		clauses = append(clauses, "basket_id=?")
		args = append(args, basketID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM timeline_events %s ORDER BY id ASC LIMIT ?`, timelineCols, buildWhere(clauses))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestTimeline returns the newest events first, optionally filtered.
func (r Repo) LatestTimeline(ctx context.Context, limit int, cursor int64, basketID, kind, refID string) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if basketID != "" {
		clauses = append(clauses, "basket_id=?")
		args = append(args, basketID)
	}
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	if refID != "" {
		clauses = append(clauses, "ref_id=?")
		args = append(args, refID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM timeline_events %s ORDER BY id DESC LIMIT ?`, timelineCols, buildWhere(clauses))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestTimelineID returns the most recent event ID, scoped to a basket
// when basketID is non-empty.
func (r Repo) LatestTimelineID(ctx context.Context, basketID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM timeline_events`
	var args []any
	if basketID != "" {
		query += ` WHERE basket_id=?`
		args = append(args, basketID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
