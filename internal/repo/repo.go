package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"yarnline/internal/config"
	"yarnline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertWorkspace(ctx context.Context, ws domain.Workspace) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces(id,name,owner_id,created_at) VALUES (?,?,?,?)`,
		ws.ID, nullable(ws.Name), ws.OwnerID, ws.CreatedAt)
	return err
}

func (r Repo) InsertWorkspaceTx(ctx context.Context, tx *sql.Tx, ws domain.Workspace) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workspaces(id,name,owner_id,created_at) VALUES (?,?,?,?)`,
		ws.ID, nullable(ws.Name), ws.OwnerID, ws.CreatedAt)
	return err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var ws domain.Workspace
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,owner_id,created_at FROM workspaces WHERE id=?`, id).
		Scan(&ws.ID, &name, &ws.OwnerID, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return ws, ErrNotFound
	}
	if name.Valid {
		ws.Name = name.String
	}
	return ws, err
}

func (r Repo) SingleWorkspace(ctx context.Context) (domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),owner_id,created_at FROM workspaces`)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer rows.Close()
	var all []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.CreatedAt); err != nil {
			return domain.Workspace{}, err
		}
		all = append(all, ws)
	}
	if len(all) == 0 {
		return domain.Workspace{}, ErrNotFound
	}
	if len(all) > 1 {
		return domain.Workspace{}, fmt.Errorf("multiple workspaces exist; specify --workspace-id")
	}
	return all[0], nil
}

func (r Repo) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),owner_id,created_at FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, nil
}

func (r Repo) InsertBasket(ctx context.Context, b domain.Basket) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO baskets(id,workspace_id,name,mode,status,created_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.WorkspaceID, nullable(b.Name), b.Mode, b.Status, b.CreatedAt)
	return err
}

func (r Repo) GetBasket(ctx context.Context, id string) (domain.Basket, error) {
	var b domain.Basket
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,name,mode,status,created_at FROM baskets WHERE id=?`, id).
		Scan(&b.ID, &b.WorkspaceID, &name, &b.Mode, &b.Status, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if name.Valid {
		b.Name = name.String
	}
	return b, err
}

func (r Repo) ListBaskets(ctx context.Context, workspaceID string) ([]domain.Basket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,COALESCE(name,''),mode,status,created_at FROM baskets WHERE workspace_id=? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Basket
	for rows.Next() {
		var b domain.Basket
		if err := rows.Scan(&b.ID, &b.WorkspaceID, &b.Name, &b.Mode, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, workspaceID, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, workspaceID, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func buildWhere(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}
