// Package worker runs the asynchronous side of the pipeline: a pool of
// pollers that claim pending work, produce operations for cascade-enqueued
// stages and execute them through the engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"yarnline/internal/domain"
	"yarnline/internal/engine"
	"yarnline/internal/repo"
)

// Producer turns a claimed work item into an operation bundle. Work items
// routed by the governance router already carry operations; cascade-enqueued
// items carry only input refs and need a producer.
type Producer interface {
	Produce(ctx context.Context, w domain.WorkItem) ([]domain.Operation, error)
}

type Pool struct {
	Engine       *engine.Engine
	Producer     Producer
	WorkspaceID  string
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	Log          *log.Logger
}

// Run starts the pool and blocks until ctx is cancelled or a worker returns
// a non-recoverable error.
func (p *Pool) Run(ctx context.Context) error {
	workers := p.Workers
	if workers <= 0 {
		workers = 2
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		w, err := p.Engine.ClaimNext(ctx, p.WorkspaceID, workerID, p.Lease)
		if errors.Is(err, repo.ErrNotFound) || errors.Is(err, engine.ErrClaimConflict) {
			// Empty queue or a lost race; both are routine.
			continue
		}
		if err != nil {
			return err
		}
		if err := p.process(ctx, workerID, w); err != nil {
			p.logf("worker %s: work %s (%s): %v", workerID, w.ID, w.WorkType, err)
		}
	}
}

// process produces operations when the item carries none, walks the
// progress stages for display and executes the bundle. Execution failures
// are already recorded on the work item by the engine.
func (p *Pool) process(ctx context.Context, workerID string, w domain.WorkItem) error {
	var produced []domain.Operation
	if len(w.Operations) == 0 && p.Producer != nil {
		var err error
		produced, err = p.Producer.Produce(ctx, w)
		if err != nil {
			return p.Engine.Fail(ctx, w.ID, err.Error(), true)
		}
	}
	for _, stage := range progressStages(w.WorkType) {
		if err := p.Engine.Advance(ctx, w.ID, stage); err != nil {
			return err
		}
	}
	return p.Engine.ExecuteClaimed(ctx, w, workerID, produced)
}

func (p *Pool) logf(format string, args ...any) {
	if p.Log != nil {
		p.Log.Printf(format, args...)
	}
}

// progressStages lists the display stages a worker walks through for each
// work type, matching the status reporter's lookup tables.
func progressStages(workType string) []string {
	switch workType {
	case domain.WorkSubstrateExtract:
		return []string{"parsing", "block_extraction", "persistence"}
	case domain.WorkGraphLink:
		return []string{"candidate_scan", "link_scoring"}
	case domain.WorkReflect:
		return []string{"pattern_scan", "reflection_draft"}
	case domain.WorkCompose:
		return []string{"intent_analysis", "substrate_query", "substrate_selection", "document_composition"}
	}
	return nil
}
