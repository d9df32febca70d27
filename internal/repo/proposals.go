package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"yarnline/internal/domain"
)

const proposalCols = `id,work_id,basket_id,workspace_id,operations_json,status,origin,created_by,review_notes,created_at,reviewed_at,reviewed_by`

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	ops, err := json.Marshal(p.Operations)
	if err != nil {
		return fmt.Errorf("marshal proposal operations: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.WorkID, nullableStringPtr(p.BasketID), p.WorkspaceID, string(ops), p.Status, p.Origin, p.CreatedBy,
		nullableStringPtr(p.ReviewNotes), p.CreatedAt, nullableStringPtr(p.ReviewedAt), nullableStringPtr(p.ReviewedBy))
	return err
}

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var basketID, notes, reviewedAt, reviewedBy sql.NullString
	var ops string
	err := scan(&p.ID, &p.WorkID, &basketID, &p.WorkspaceID, &ops, &p.Status, &p.Origin, &p.CreatedBy, &notes, &p.CreatedAt, &reviewedAt, &reviewedBy)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if ops != "" {
		if err := json.Unmarshal([]byte(ops), &p.Operations); err != nil {
			return p, fmt.Errorf("decode proposal operations: %w", err)
		}
	}
	if basketID.Valid {
		p.BasketID = &basketID.String
	}
	if notes.Valid {
		p.ReviewNotes = &notes.String
	}
	if reviewedAt.Valid {
		p.ReviewedAt = &reviewedAt.String
	}
	if reviewedBy.Valid {
		p.ReviewedBy = &reviewedBy.String
	}
	return p, nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalByWorkID(ctx context.Context, workID string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE work_id=?`, workID)
	return scanProposal(row.Scan)
}

type ProposalFilters struct {
	WorkspaceID string
	BasketID    string
	Status      string
	Limit       int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
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
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + proposalCols + ` FROM proposals ` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// ResolveProposal moves a PROPOSED row to APPROVED or REJECTED exactly once.
func (r Repo) ResolveProposal(ctx context.Context, tx *sql.Tx, id, status, reviewerID, notes string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, reviewed_at=?, reviewed_by=?, review_notes=?
WHERE id=? AND status='PROPOSED'`, status, now.UTC().Format(time.RFC3339), reviewerID, nullable(notes), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
