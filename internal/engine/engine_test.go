package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"yarnline/internal/config"
	"yarnline/internal/db"
	"yarnline/internal/domain"
	"yarnline/internal/engine"
	"yarnline/internal/engine/ops"
	"yarnline/internal/migrate"
	"yarnline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	eng := engine.New(conn, cfg)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := &start
	eng.Now = func() time.Time { return *clock }
	ctx := context.Background()
	now := start.Format(time.RFC3339)
	if err := eng.Repo.InsertWorkspace(ctx, domain.Workspace{ID: "ws-1", Name: "test", OwnerID: "tester", CreatedAt: now}); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	if err := eng.Repo.UpsertWorkspaceConfig(ctx, "ws-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := eng.Repo.InsertBasket(ctx, domain.Basket{ID: "basket-1", WorkspaceID: "ws-1", Name: "inbox", Mode: "default", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("seed basket: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: clock}
}

func (env testEnv) seedBasket(t *testing.T, id, mode string) {
	t.Helper()
	err := env.Engine.Repo.InsertBasket(env.Ctx, domain.Basket{
		ID: id, WorkspaceID: "ws-1", Mode: mode, Status: "active",
		CreatedAt: env.clock.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("seed basket %s: %v", id, err)
	}
}

func (env testEnv) seedPendingWork(t *testing.T, workType, basketID, priority string) string {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := env.clock.Format(time.RFC3339)
	w := domain.WorkItem{
		ID: workType + "-" + priority + "-" + basketID, WorkType: workType, WorkspaceID: "ws-1",
		BasketID: &basketID, ProcessingState: domain.StatePending, Priority: priority,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := env.Engine.Repo.InsertWorkItem(env.Ctx, tx, w); err != nil {
		t.Fatalf("insert work: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return w.ID
}

func (env testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

func (env testEnv) workItem(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.Repo.GetWorkItem(env.Ctx, id)
	if err != nil {
		t.Fatalf("get work %s: %v", id, err)
	}
	return w
}

func floatPtr(v float64) *float64 { return &v }

func blockCreateOp(title, content string) domain.Operation {
	return domain.Operation{Type: ops.OpBlockCreate, Data: map[string]any{
		"semantic_type": "note",
		"title":         title,
		"content":       content,
	}}
}

func TestIngestDumpIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req := engine.IngestRequest{
		WorkspaceID: "ws-1", BasketID: "basket-1",
		DumpRequestID: "req-1", Text: "first capture", ActorID: "tester",
	}
	res1, err := env.Engine.IngestDump(env.Ctx, req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if res1.DumpID == "" || res1.WorkID == "" {
		t.Fatalf("expected dump and work ids, got %+v", res1)
	}
	if res1.Replayed {
		t.Fatalf("first ingest must not replay")
	}
	// capture policy is always_auto, so the work item completed synchronously
	if w := env.workItem(t, res1.WorkID); w.ProcessingState != domain.StateCompleted {
		t.Fatalf("capture state = %s, want completed", w.ProcessingState)
	}

	res2, err := env.Engine.IngestDump(env.Ctx, req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !res2.Replayed || res2.DumpID != res1.DumpID || res2.WorkID != res1.WorkID {
		t.Fatalf("replay mismatch: %+v vs %+v", res2, res1)
	}
	if n := env.count(t, `SELECT count(*) FROM dumps`); n != 1 {
		t.Fatalf("expected 1 dump, got %d", n)
	}
	if n := env.count(t, `SELECT count(*) FROM work_items WHERE work_type='capture'`); n != 1 {
		t.Fatalf("expected 1 capture work item, got %d", n)
	}
	// the cascade ran exactly once
	if n := env.count(t, `SELECT count(*) FROM work_items WHERE work_type='substrate_extract'`); n != 1 {
		t.Fatalf("expected 1 substrate_extract item, got %d", n)
	}
}

func TestIngestReplayWithDivergentPayloadConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := engine.IngestRequest{WorkspaceID: "ws-1", BasketID: "basket-1", DumpRequestID: "req-x", Text: "original"}
	if _, err := env.Engine.IngestDump(env.Ctx, req); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	req.Text = "different body"
	_, err := env.Engine.IngestDump(env.Ctx, req)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.IngestDump(env.Ctx, engine.IngestRequest{WorkspaceID: "ws-1", BasketID: "basket-1", Text: "no request id"})
	if !engine.IsValidation(err) {
		t.Fatalf("missing request id: expected validation error, got %v", err)
	}
	_, err = env.Engine.IngestDump(env.Ctx, engine.IngestRequest{WorkspaceID: "ws-1", BasketID: "basket-1", DumpRequestID: "req-2"})
	if !engine.IsValidation(err) {
		t.Fatalf("empty body: expected validation error, got %v", err)
	}
	_, err = env.Engine.IngestDump(env.Ctx, engine.IngestRequest{WorkspaceID: "ws-1", BasketID: "nope", DumpRequestID: "req-3", Text: "x"})
	if !engine.IsAuthorization(err) {
		t.Fatalf("unknown basket: expected authorization error, got %v", err)
	}
}

func TestRouteDecisions(t *testing.T) {
	auto := config.Policy{Mode: config.PolicyAlwaysAuto}
	review := config.Policy{Mode: config.PolicyAlwaysReview}
	threshold := config.Policy{Mode: config.PolicyConfidenceThreshold, Threshold: floatPtr(0.8)}

	cases := []struct {
		name       string
		policy     config.Policy
		confidence *float64
		override   string
		want       string
	}{
		{"require_review beats always_auto", auto, floatPtr(1.0), engine.OverrideRequireReview, domain.ModeCreateProposal},
		{"allow_auto beats threshold", threshold, floatPtr(0.1), engine.OverrideAllowAuto, domain.ModeAutoExecute},
		{"allow_auto loses to always_review", review, floatPtr(1.0), engine.OverrideAllowAuto, domain.ModeCreateProposal},
		{"always_auto", auto, nil, "", domain.ModeAutoExecute},
		{"always_review", review, floatPtr(1.0), "", domain.ModeCreateProposal},
		{"above threshold", threshold, floatPtr(0.9), "", domain.ModeAutoExecute},
		{"at threshold", threshold, floatPtr(0.8), "", domain.ModeAutoExecute},
		{"below threshold", threshold, floatPtr(0.4), "", domain.ModeCreateProposal},
		{"missing confidence counts as zero", threshold, nil, "", domain.ModeCreateProposal},
	}
	for _, tc := range cases {
		if got := engine.Route(tc.policy, tc.confidence, tc.override); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSubmitHighConfidenceAutoExecutes(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations:      []domain.Operation{blockCreateOp("note", "manual content")},
		ConfidenceScore: floatPtr(0.9),
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExecutionMode != domain.ModeAutoExecute {
		t.Fatalf("mode = %s, want auto_execute", res.ExecutionMode)
	}
	w := env.workItem(t, res.WorkID)
	if w.ProcessingState != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", w.ProcessingState)
	}
	if w.WorkResultJSON == nil || !strings.Contains(*w.WorkResultJSON, "block_ids") {
		t.Fatalf("expected block ids in result, got %v", w.WorkResultJSON)
	}
	blocks, err := env.Engine.Substrate.ListBlocks(env.Ctx, "basket-1")
	if err != nil || len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d (%v)", len(blocks), err)
	}
	if n := env.count(t, `SELECT count(*) FROM timeline_events WHERE kind='work.initiated' AND ref_id=?`, res.WorkID); n != 1 {
		t.Fatalf("expected exactly 1 work.initiated event, got %d", n)
	}
}

func TestSubmitLowConfidenceCreatesProposal(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations:      []domain.Operation{blockCreateOp("note", "risky content")},
		ConfidenceScore: floatPtr(0.4),
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExecutionMode != domain.ModeCreateProposal || res.ProposalID == "" {
		t.Fatalf("expected proposal routing, got %+v", res)
	}
	if w := env.workItem(t, res.WorkID); w.ProcessingState != domain.StateAwaitingReview {
		t.Fatalf("state = %s, want awaiting_review", w.ProcessingState)
	}
	p, err := env.Engine.Repo.GetProposal(env.Ctx, res.ProposalID)
	if err != nil || p.Status != domain.ProposalProposed {
		t.Fatalf("proposal status: %v %v", p.Status, err)
	}
	if blocks, _ := env.Engine.Substrate.ListBlocks(env.Ctx, "basket-1"); len(blocks) != 0 {
		t.Fatalf("proposal must not touch substrate, found %d blocks", len(blocks))
	}
}

func TestSubmitValidationFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.SubmitRequest{
		{WorkType: "bogus", WorkspaceID: "ws-1", Operations: []domain.Operation{blockCreateOp("a", "b")}},
		{WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1"},
		{WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", Operations: []domain.Operation{{Type: "nope.op", Data: map[string]any{}}}},
		{WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", Priority: "asap", Operations: []domain.Operation{blockCreateOp("a", "b")}},
		{WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", ConfidenceScore: floatPtr(1.5), Operations: []domain.Operation{blockCreateOp("a", "b")}},
	}
	for i, req := range cases {
		if _, err := env.Engine.Submit(env.Ctx, req); !engine.IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
	if n := env.count(t, `SELECT count(*) FROM work_items`); n != 0 {
		t.Fatalf("rejected submissions must leave no work items, found %d", n)
	}
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "ghost",
		Operations: []domain.Operation{blockCreateOp("a", "b")},
	})
	if !engine.IsAuthorization(err) {
		t.Fatalf("unknown basket: expected authorization error, got %v", err)
	}
}

func TestSubmitIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)
	req := engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations:      []domain.Operation{blockCreateOp("dup", "same payload")},
		ConfidenceScore: floatPtr(0.9),
		IdempotencyKey:  "submit-1",
	}
	res1, err := env.Engine.Submit(env.Ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	res2, err := env.Engine.Submit(env.Ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !res2.Replayed || res2.WorkID != res1.WorkID {
		t.Fatalf("expected replay of %s, got %+v", res1.WorkID, res2)
	}
	if n := env.count(t, `SELECT count(*) FROM work_items`); n != 1 {
		t.Fatalf("expected 1 work item, got %d", n)
	}

	req.Operations = []domain.Operation{blockCreateOp("dup", "DIFFERENT payload")}
	if _, err := env.Engine.Submit(env.Ctx, req); !engine.IsConflict(err) {
		t.Fatalf("divergent payload on same key: expected conflict, got %v", err)
	}
}

func TestApproveExecutesAndCompletesAtomically(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations:      []domain.Operation{blockCreateOp("reviewed", "approved content")},
		ConfidenceScore: floatPtr(0.2),
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.Engine.Approve(env.Ctx, res.ProposalID, "reviewer", "looks good"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	w := env.workItem(t, res.WorkID)
	if w.ProcessingState != domain.StateCompleted || w.WorkResultJSON == nil {
		t.Fatalf("expected completed with result, got %s", w.ProcessingState)
	}
	p, _ := env.Engine.Repo.GetProposal(env.Ctx, res.ProposalID)
	if p.Status != domain.ProposalApproved || p.ReviewedBy == nil || *p.ReviewedBy != "reviewer" {
		t.Fatalf("proposal not resolved: %+v", p)
	}
	if blocks, _ := env.Engine.Substrate.ListBlocks(env.Ctx, "basket-1"); len(blocks) != 1 {
		t.Fatalf("expected 1 block after approval, got %d", len(blocks))
	}
	// double review is a conflict
	if err := env.Engine.Approve(env.Ctx, res.ProposalID, "reviewer-2", ""); !engine.IsConflict(err) {
		t.Fatalf("second approve: expected conflict, got %v", err)
	}
}

func TestApproveRollsBackOnExecutionFailure(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations: []domain.Operation{
			{Type: ops.OpBlockUpdate, Data: map[string]any{"block_id": "missing-block", "content": "x"}},
		},
		ConfidenceScore: floatPtr(0.2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.Engine.Approve(env.Ctx, res.ProposalID, "reviewer", ""); err == nil {
		t.Fatalf("expected execution failure")
	}
	// nothing moved: the proposal and work item are untouched
	p, _ := env.Engine.Repo.GetProposal(env.Ctx, res.ProposalID)
	if p.Status != domain.ProposalProposed {
		t.Fatalf("proposal status = %s, want PROPOSED", p.Status)
	}
	if w := env.workItem(t, res.WorkID); w.ProcessingState != domain.StateAwaitingReview {
		t.Fatalf("work state = %s, want awaiting_review", w.ProcessingState)
	}
}

func TestRejectRecordsReasonWithoutSubstrateMutation(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations:      []domain.Operation{blockCreateOp("rejected", "never persisted")},
		ConfidenceScore: floatPtr(0.2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.Engine.Reject(env.Ctx, res.ProposalID, "reviewer", "low quality"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	w := env.workItem(t, res.WorkID)
	if w.ProcessingState != domain.StateFailed {
		t.Fatalf("state = %s, want failed", w.ProcessingState)
	}
	if w.ErrorMessage == nil || *w.ErrorMessage != "proposal rejected: low quality" {
		t.Fatalf("error message = %v", w.ErrorMessage)
	}
	if blocks, _ := env.Engine.Substrate.ListBlocks(env.Ctx, "basket-1"); len(blocks) != 0 {
		t.Fatalf("rejection must not touch substrate")
	}
	if err := env.Engine.Reject(env.Ctx, res.ProposalID, "reviewer", "again"); !engine.IsConflict(err) {
		t.Fatalf("second reject: expected conflict, got %v", err)
	}
}

func TestClaimExclusivityAndLeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPendingWork(t, domain.WorkGraphLink, "basket-1", "normal")

	w, err := env.Engine.Claim(env.Ctx, id, "worker-a", 0)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if w.ProcessingState != domain.StateClaimed || w.WorkerID == nil || *w.WorkerID != "worker-a" {
		t.Fatalf("unexpected claim state: %+v", w)
	}
	if _, err := env.Engine.Claim(env.Ctx, id, "worker-b", 0); err != engine.ErrClaimConflict {
		t.Fatalf("expected ErrClaimConflict, got %v", err)
	}

	// after the lease expires another worker takes over
	env.advance(3 * time.Minute)
	w2, err := env.Engine.Claim(env.Ctx, id, "worker-b", 0)
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if w2.WorkerID == nil || *w2.WorkerID != "worker-b" {
		t.Fatalf("expected worker-b to hold the claim")
	}

	if _, err := env.Engine.Claim(env.Ctx, "no-such-work", "worker-a", 0); err != repo.ErrNotFound {
		t.Fatalf("unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestClaimContentionHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPendingWork(t, domain.WorkReflect, "basket-1", "normal")

	const claimers = 8
	results := make(chan error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.Engine.Claim(env.Ctx, id, fmt.Sprintf("worker-%d", n), 0)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrClaimConflict):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || conflicts != claimers-1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one winner", wins, conflicts)
	}
	if w := env.workItem(t, id); w.ProcessingState != domain.StateClaimed {
		t.Fatalf("state = %s, want claimed", w.ProcessingState)
	}
}

func TestClaimNextHonorsPriority(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ClaimNext(env.Ctx, "ws-1", "worker-a", 0); err != repo.ErrNotFound {
		t.Fatalf("empty queue: expected ErrNotFound, got %v", err)
	}
	env.seedPendingWork(t, domain.WorkGraphLink, "basket-1", "normal")
	urgent := env.seedPendingWork(t, domain.WorkReflect, "basket-1", "urgent")
	w, err := env.Engine.ClaimNext(env.Ctx, "ws-1", "worker-a", 0)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if w.ID != urgent {
		t.Fatalf("claimed %s, want urgent item %s", w.ID, urgent)
	}
}

func TestExecuteClaimedCascadesOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.IngestDump(env.Ctx, engine.IngestRequest{
		WorkspaceID: "ws-1", BasketID: "basket-1", DumpRequestID: "req-c", Text: "para one\n\npara two",
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	items, err := env.Engine.Repo.ListWorkItems(env.Ctx, repo.WorkItemFilters{WorkspaceID: "ws-1", WorkType: domain.WorkSubstrateExtract})
	if err != nil || len(items) != 1 {
		t.Fatalf("expected 1 extract item, got %d (%v)", len(items), err)
	}
	w, err := env.Engine.Claim(env.Ctx, items[0].ID, "worker-a", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	produced := []domain.Operation{blockCreateOp("para one", "para one"), blockCreateOp("para two", "para two")}
	if err := env.Engine.ExecuteClaimed(env.Ctx, w, "worker-a", produced); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := env.workItem(t, w.ID); got.ProcessingState != domain.StateCompleted {
		t.Fatalf("extract state = %s, want completed", got.ProcessingState)
	}
	if blocks, _ := env.Engine.Substrate.ListBlocks(env.Ctx, "basket-1"); len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if n := env.count(t, `SELECT count(*) FROM work_items WHERE work_type='graph_link'`); n != 1 {
		t.Fatalf("expected exactly 1 graph_link item, got %d", n)
	}
}

func TestCascadeSkipsGraphLinkForNotesOnlyBasket(t *testing.T) {
	env := newTestEnv(t)
	env.seedBasket(t, "notes", "notes_only")
	id := env.seedPendingWork(t, domain.WorkSubstrateExtract, "notes", "normal")
	w, err := env.Engine.Claim(env.Ctx, id, "worker-a", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.Engine.ExecuteClaimed(env.Ctx, w, "worker-a", []domain.Operation{blockCreateOp("n", "note body")}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := env.count(t, `SELECT count(*) FROM work_items WHERE work_type='graph_link'`); n != 0 {
		t.Fatalf("graph_link must be skipped for notes_only, found %d", n)
	}
	if n := env.count(t, `SELECT count(*) FROM work_items WHERE work_type='reflect'`); n != 1 {
		t.Fatalf("expected reflect to be enqueued, got %d", n)
	}
	if n := env.count(t, `SELECT count(*) FROM timeline_events WHERE kind='stage.skipped'`); n != 1 {
		t.Fatalf("expected 1 stage.skipped event, got %d", n)
	}
}

func TestCascadeStopsForArchiveBasket(t *testing.T) {
	env := newTestEnv(t)
	env.seedBasket(t, "box", "archive")
	id := env.seedPendingWork(t, domain.WorkGraphLink, "box", "normal")
	w, err := env.Engine.Claim(env.Ctx, id, "worker-a", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	produced := []domain.Operation{{Type: ops.OpContextItemCreate, Data: map[string]any{"kind": "graph", "label": "noop"}}}
	if err := env.Engine.ExecuteClaimed(env.Ctx, w, "worker-a", produced); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := env.count(t, `SELECT count(*) FROM work_items WHERE work_type IN ('reflect','compose')`); n != 0 {
		t.Fatalf("archive basket must not cascade past graph_link, found %d items", n)
	}
	if n := env.count(t, `SELECT count(*) FROM timeline_events WHERE kind='stage.skipped'`); n != 2 {
		t.Fatalf("expected 2 stage.skipped events, got %d", n)
	}
}

func TestComposeIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkCompose, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations: []domain.Operation{{Type: ops.OpDocumentCompose, Data: map[string]any{
			"title": "digest",
			"body":  "everything",
			"refs": []any{
				map[string]any{"substrate_type": "block", "substrate_id": "b-1", "role": "source"},
				map[string]any{"substrate_type": "reflection", "substrate_id": "r-1", "role": "insight"},
			},
		}}},
	})
	if err != nil {
		t.Fatalf("submit compose: %v", err)
	}
	if w := env.workItem(t, res.WorkID); w.ProcessingState != domain.StateCompleted {
		t.Fatalf("compose state = %s, want completed", w.ProcessingState)
	}
	if n := env.count(t, `SELECT count(*) FROM work_items`); n != 1 {
		t.Fatalf("compose must not enqueue anything, found %d items", n)
	}

	st, err := env.Engine.Status(env.Ctx, res.WorkID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ProgressPercentage != 100 || st.EstimatedCompletion != nil {
		t.Fatalf("terminal status: %+v", st)
	}
	if st.SubstrateImpact == nil || st.SubstrateImpact.RefCount != 2 || !st.SubstrateImpact.Live {
		t.Fatalf("substrate impact: %+v", st.SubstrateImpact)
	}
}

func TestAttachRefsExecutesInsideBundleTransaction(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkCompose, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations: []domain.Operation{{Type: ops.OpDocumentCompose, Data: map[string]any{
			"title": "digest",
			"refs": []any{
				map[string]any{"substrate_type": "block", "substrate_id": "b-1", "role": "source"},
			},
		}}},
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	w := env.workItem(t, res.WorkID)
	if w.WorkResultJSON == nil {
		t.Fatalf("compose left no result")
	}
	var result struct {
		DocumentID string `json:"document_id"`
	}
	if err := json.Unmarshal([]byte(*w.WorkResultJSON), &result); err != nil || result.DocumentID == "" {
		t.Fatalf("compose result: %v %v", w.WorkResultJSON, err)
	}

	// the attach executor validates the document through the bundle's own
	// transaction; with a single pooled connection a plain DB read here
	// would deadlock
	attach, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations: []domain.Operation{{Type: ops.OpDocumentAttachRefs, Data: map[string]any{
			"document_id": result.DocumentID,
			"refs": []any{
				map[string]any{"substrate_type": "block", "substrate_id": "b-2", "role": "source"},
				map[string]any{"substrate_type": "reflection", "substrate_id": "r-1", "role": "insight"},
			},
		}}},
		ConfidenceScore: floatPtr(0.9),
	})
	if err != nil {
		t.Fatalf("attach_refs: %v", err)
	}
	if w := env.workItem(t, attach.WorkID); w.ProcessingState != domain.StateCompleted {
		t.Fatalf("attach state = %s, want completed", w.ProcessingState)
	}
	n, err := env.Engine.Substrate.CountDocumentRefs(env.Ctx, result.DocumentID)
	if err != nil || n != 3 {
		t.Fatalf("ref count = %d (%v), want 3", n, err)
	}

	// unknown documents still fail the bundle cleanly
	missing, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations: []domain.Operation{{Type: ops.OpDocumentAttachRefs, Data: map[string]any{
			"document_id": "no-such-doc",
			"refs": []any{
				map[string]any{"substrate_type": "block", "substrate_id": "b-9", "role": "source"},
			},
		}}},
		ConfidenceScore: floatPtr(0.9),
	})
	if err == nil {
		t.Fatalf("expected execution error for missing document")
	}
	if w := env.workItem(t, missing.WorkID); w.ProcessingState != domain.StateFailed {
		t.Fatalf("missing-document attach state = %s, want failed", w.ProcessingState)
	}
}

func TestRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPendingWork(t, domain.WorkGraphLink, "basket-1", "normal")

	// graph_link uses the default budget of 3 attempts: each retriable
	// failure within the budget goes back to pending
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := env.Engine.Claim(env.Ctx, id, "worker-a", 0); err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if err := env.Engine.Fail(env.Ctx, id, "transient", true); err != nil {
			t.Fatalf("fail %d: %v", attempt, err)
		}
		w := env.workItem(t, id)
		if w.ProcessingState != domain.StatePending || w.Attempts != attempt {
			t.Fatalf("attempt %d: state=%s attempts=%d", attempt, w.ProcessingState, w.Attempts)
		}
	}
	// the budget is spent, so the next failure is terminal
	if _, err := env.Engine.Claim(env.Ctx, id, "worker-a", 0); err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if err := env.Engine.Fail(env.Ctx, id, "transient", true); err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if w := env.workItem(t, id); w.ProcessingState != domain.StateFailed {
		t.Fatalf("expected terminal failure, got %s", w.ProcessingState)
	}

	other := env.seedPendingWork(t, domain.WorkReflect, "basket-1", "normal")
	if _, err := env.Engine.Claim(env.Ctx, other, "worker-a", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.Engine.Fail(env.Ctx, other, "fatal", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if w := env.workItem(t, other); w.ProcessingState != domain.StateFailed {
		t.Fatalf("non-retriable failure must be terminal, got %s", w.ProcessingState)
	}
}

func TestTerminalStatesNeverRegress(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPendingWork(t, domain.WorkReflect, "basket-1", "normal")
	if _, err := env.Engine.Claim(env.Ctx, id, "worker-a", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.Engine.Complete(env.Ctx, id, `{}`, "worker-a"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.Engine.Complete(env.Ctx, id, `{}`, "worker-a"); err == nil {
		t.Fatalf("second complete must fail")
	}
	if err := env.Engine.Fail(env.Ctx, id, "late", false); err == nil {
		t.Fatalf("failing a completed item must fail")
	}
	if _, err := env.Engine.Claim(env.Ctx, id, "worker-b", 0); err != engine.ErrClaimConflict {
		t.Fatalf("claiming a completed item: expected ErrClaimConflict, got %v", err)
	}
	if w := env.workItem(t, id); w.ProcessingState != domain.StateCompleted {
		t.Fatalf("state regressed to %s", w.ProcessingState)
	}
}

func TestStatusProgressAndEstimate(t *testing.T) {
	env := newTestEnv(t)
	id := env.seedPendingWork(t, domain.WorkSubstrateExtract, "basket-1", "normal")

	st, err := env.Engine.Status(env.Ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ProgressPercentage != 0 {
		t.Fatalf("pending progress = %d, want 0", st.ProgressPercentage)
	}
	if st.EstimatedCompletion == nil {
		t.Fatalf("pending work needs an estimate")
	}
	// substrate_extract averages 30s in the default config
	wantETA := env.clock.Add(30 * time.Second).Format(time.RFC3339)
	if *st.EstimatedCompletion != wantETA {
		t.Fatalf("eta = %s, want %s", *st.EstimatedCompletion, wantETA)
	}

	if _, err := env.Engine.Claim(env.Ctx, id, "worker-a", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	st, _ = env.Engine.Status(env.Ctx, id)
	if st.ProgressPercentage != 10 {
		t.Fatalf("claimed without stage = %d, want 10", st.ProgressPercentage)
	}

	if err := env.Engine.Advance(env.Ctx, id, "block_extraction"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	st, _ = env.Engine.Status(env.Ctx, id)
	if st.ProgressPercentage != 60 || st.Stage != "block_extraction" {
		t.Fatalf("staged progress = %d (%s), want 60", st.ProgressPercentage, st.Stage)
	}

	if err := env.Engine.Advance(env.Ctx, id, "somewhere_new"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	st, _ = env.Engine.Status(env.Ctx, id)
	if st.ProgressPercentage != 10 {
		t.Fatalf("unknown stage = %d, want 10", st.ProgressPercentage)
	}

	if err := env.Engine.Fail(env.Ctx, id, "boom", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	st, _ = env.Engine.Status(env.Ctx, id)
	if st.ProgressPercentage != 0 || st.ErrorMessage != "boom" || st.EstimatedCompletion != nil {
		t.Fatalf("failed status: %+v", st)
	}
}

func TestAutoExecuteFailureRecordsFailedWork(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{
		WorkType: domain.WorkManualEdit, WorkspaceID: "ws-1", BasketID: "basket-1",
		Operations: []domain.Operation{
			blockCreateOp("ok", "this one works"),
			{Type: ops.OpBlockUpdate, Data: map[string]any{"block_id": "missing", "content": "x"}},
		},
		ConfidenceScore: floatPtr(0.95),
	})
	if err == nil {
		t.Fatalf("expected execution error")
	}
	var ee engine.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %T %v", err, err)
	}
	w := env.workItem(t, res.WorkID)
	if w.ProcessingState != domain.StateFailed || w.ErrorMessage == nil {
		t.Fatalf("expected failed work item, got %s", w.ProcessingState)
	}
	// the whole bundle rolled back, including the operation that succeeded
	if blocks, _ := env.Engine.Substrate.ListBlocks(env.Ctx, "basket-1"); len(blocks) != 0 {
		t.Fatalf("partial bundle must not persist, found %d blocks", len(blocks))
	}
}
