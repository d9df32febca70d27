// Package app resolves the active workspace and its governance config,
// seeding defaults on first use so the CLI and server work out of the box.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yarnline/internal/config"
	"yarnline/internal/domain"
	"yarnline/internal/repo"
)

// ResolveWorkspaceAndConfig picks the active workspace and ensures a
// workspace plus config row exist, seeding defaults if missing. It prefers
// the override, then the single workspace in the DB.
func ResolveWorkspaceAndConfig(ctx context.Context, workspaceOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	workspaceID := workspaceOverride
	if workspaceID == "" {
		if ws, err := r.SingleWorkspace(ctx); err == nil {
			workspaceID = ws.ID
		} else if errors.Is(err, repo.ErrNotFound) {
			workspaceID = "default"
		} else {
			return "", nil, err
		}
	}
	seedCfg := config.Default(workspaceID)

	if _, err := r.GetWorkspace(ctx, workspaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createWorkspace(ctx, r, workspaceID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertWorkspaceConfig(ctx, workspaceID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed workspace config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Workspace.ID = workspaceID
	return workspaceID, cfg, nil
}

func createWorkspace(ctx context.Context, r repo.Repo, workspaceID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(workspaceID)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ws := domain.Workspace{
		ID:        workspaceID,
		Name:      workspaceID,
		OwnerID:   actorID,
		CreatedAt: now,
	}
	if err := r.InsertWorkspaceTx(ctx, tx, ws); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	if err := r.UpsertWorkspaceConfigTx(ctx, tx, workspaceID, seedCfg); err != nil {
		return fmt.Errorf("insert workspace config: %w", err)
	}
	return tx.Commit()
}
