// Package engine is the orchestration core: the governance router, the
// claim/lease work queue, the cascade between pipeline stages, the
// idempotency ledger and the status reporter. Every state change runs in a
// transaction with its timeline event so readers never observe one without
// the other.
package engine

import (
	"database/sql"
	"time"

	"yarnline/internal/config"
	"yarnline/internal/repo"
	"yarnline/internal/substrate"
	"yarnline/internal/timeline"
)

// DefaultLease is the claim lease granted when the caller passes zero.
const DefaultLease = 2 * time.Minute

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Substrate substrate.Store
	Events    timeline.Writer
	Config    *config.Config
	Now       func() time.Time
	Lease     time.Duration
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	now := time.Now
	return &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Substrate: substrate.Store{DB: db},
		Events:    timeline.Writer{DB: db, Now: now},
		Config:    cfg,
		Now:       now,
		Lease:     DefaultLease,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) lease(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if e.Lease > 0 {
		return e.Lease
	}
	return DefaultLease
}

func (e *Engine) timestamp() string {
	return e.now().Format(time.RFC3339)
}
