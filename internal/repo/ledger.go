package repo

import (
	"context"
	"database/sql"
	"time"

	"yarnline/internal/domain"
)

// GetIdempotencyRecord looks up a prior result for a caller-supplied key.
func (r Repo) GetIdempotencyRecord(ctx context.Context, workspaceID, key string) (domain.IdempotencyRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT key,workspace_id,fingerprint,result_json,created_at FROM idempotency_records WHERE workspace_id=? AND key=?`, workspaceID, key)
	return scanIdempotencyRecord(row.Scan)
}

// GetIdempotencyRecordTx is the in-transaction variant used by the ledger so
// resolve and record see a consistent view.
func (r Repo) GetIdempotencyRecordTx(ctx context.Context, tx *sql.Tx, workspaceID, key string) (domain.IdempotencyRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT key,workspace_id,fingerprint,result_json,created_at FROM idempotency_records WHERE workspace_id=? AND key=?`, workspaceID, key)
	return scanIdempotencyRecord(row.Scan)
}

func scanIdempotencyRecord(scan func(dest ...any) error) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := scan(&rec.Key, &rec.WorkspaceID, &rec.Fingerprint, &rec.ResultJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// InsertIdempotencyRecord stores the result inside the side-effect tx. The
// primary key makes a duplicate insert fail, which callers treat as a lost
// race rather than an error.
func (r Repo) InsertIdempotencyRecord(ctx context.Context, tx *sql.Tx, rec domain.IdempotencyRecord, now time.Time) error {
	if rec.CreatedAt == "" {
		rec.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO idempotency_records(key,workspace_id,fingerprint,result_json,created_at) VALUES (?,?,?,?,?)`,
		rec.Key, rec.WorkspaceID, rec.Fingerprint, rec.ResultJSON, rec.CreatedAt)
	return err
}
