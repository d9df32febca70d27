package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"yarnline/internal/config"
	"yarnline/internal/db"
	"yarnline/internal/domain"
	"yarnline/internal/engine"
	"yarnline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("ws-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertWorkspace(ctx, domain.Workspace{ID: "ws-1", Name: "test", OwnerID: "tester", CreatedAt: now}); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	if err := e.Repo.UpsertWorkspaceConfig(ctx, "ws-1", cfg); err != nil {
		t.Fatalf("seed workspace config: %v", err)
	}
	if err := e.Repo.InsertBasket(ctx, domain.Basket{ID: "basket-1", WorkspaceID: "ws-1", Name: "inbox", Mode: "default", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("seed basket: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asActor = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestIngestAndStatusFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/baskets/basket-1/dumps", map[string]any{
		"dump_request_id": "req-1",
		"text":            "a captured thought",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var ingest IngestDumpResponse
	if err := json.Unmarshal(data, &ingest); err != nil {
		t.Fatalf("unmarshal ingest: %v", err)
	}
	if ingest.DumpID == "" || ingest.WorkID == "" || ingest.Replayed {
		t.Fatalf("unexpected ingest response: %+v", ingest)
	}

	// capture auto-executes, so status reports completed immediately
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work/"+ingest.WorkID+"/status", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st engine.Status
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.State != domain.StateCompleted || st.ProgressPercentage != 100 {
		t.Fatalf("unexpected status: %+v", st)
	}

	// retrying the same dump_request_id replays the original ids
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/baskets/basket-1/dumps", map[string]any{
		"dump_request_id": "req-1",
		"text":            "a captured thought",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	var replay IngestDumpResponse
	_ = json.Unmarshal(data, &replay)
	if !replay.Replayed || replay.DumpID != ingest.DumpID {
		t.Fatalf("expected replay of %s, got %+v", ingest.DumpID, replay)
	}

	// divergent content behind the same id is a conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/baskets/basket-1/dumps", map[string]any{
		"dump_request_id": "req-1",
		"text":            "something else",
	}, asActor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/baskets", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/baskets", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "bot-1",
		"name":     "ci",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("plaintext key must be returned on creation")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "bot-1" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": "yl_bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestProposalReviewFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work", map[string]any{
		"work_type": "manual_edit",
		"basket_id": "basket-1",
		"operations": []map[string]any{
			{"type": "block.create", "data": map[string]any{"semantic_type": "note", "title": "draft", "content": "uncertain"}},
		},
		"confidence_score": 0.2,
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitWorkResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.ExecutionMode != domain.ModeCreateProposal || submitted.ProposalID == "" {
		t.Fatalf("expected proposal routing, got %+v", submitted)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+submitted.ProposalID+"/reject", map[string]any{
		"notes": "not good enough",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	var rejected ProposalResponse
	_ = json.Unmarshal(data, &rejected)
	if rejected.Status != domain.ProposalRejected {
		t.Fatalf("proposal status = %s, want REJECTED", rejected.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work/"+submitted.WorkID, nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get work status %d: %s", res.StatusCode, string(data))
	}
	var w WorkItemResponse
	_ = json.Unmarshal(data, &w)
	if w.ProcessingState != domain.StateFailed {
		t.Fatalf("work state = %s, want failed", w.ProcessingState)
	}

	// a resolved proposal cannot be reviewed again
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+submitted.ProposalID+"/approve", map[string]any{}, asActor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double review, got %d: %s", res.StatusCode, string(data))
	}
}

func TestClaimConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	basketID := "basket-1"
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := srv.Engine.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	w := domain.WorkItem{
		ID: "w-1", WorkType: domain.WorkGraphLink, WorkspaceID: "ws-1", BasketID: &basketID,
		ProcessingState: domain.StatePending, Priority: "normal", CreatedAt: now, UpdatedAt: now,
	}
	if err := srv.Engine.Repo.InsertWorkItem(context.Background(), tx, w); err != nil {
		t.Fatalf("insert work: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work/w-1/claim", map[string]any{
		"worker_id": "worker-a",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work/w-1/claim", map[string]any{
		"worker_id": "worker-b",
	}, asActor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &apiErr)
	if apiErr.Error.Code != "claim_conflict" {
		t.Fatalf("error code = %q, want claim_conflict", apiErr.Error.Code)
	}

	// queue is otherwise empty, so claim-next finds nothing
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work/claim-next", map[string]any{
		"worker_id": "worker-b",
	}, asActor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 from empty queue, got %d", res.StatusCode)
	}
}

func TestWebhookCursorSeedsAtLatestEvent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	// build up timeline history before any dispatcher exists
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/baskets/basket-1/dumps", map[string]any{
		"dump_request_id": "req-w1",
		"text":            "history before the hook",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}

	d := &webhookDispatcher{engine: srv.Engine, cursors: make(map[int]int64)}
	cursor := d.cursorFor(0)
	if cursor == 0 {
		t.Fatal("cursor must seed at the latest event, not zero")
	}
	events, err := srv.Engine.Repo.TimelineAfter(ctx, 100, cursor, "")
	if err != nil {
		t.Fatalf("timeline after: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("%d historical events past the seed cursor would be re-delivered", len(events))
	}

	// events appended after the seed are visible past the cursor
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/baskets/basket-1/dumps", map[string]any{
		"dump_request_id": "req-w2",
		"text":            "new event after the hook started",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second ingest status %d: %s", res.StatusCode, string(data))
	}
	events, err = srv.Engine.Repo.TimelineAfter(ctx, 100, cursor, "")
	if err != nil {
		t.Fatalf("timeline after: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("events after the seed cursor must be delivered")
	}
}

func TestBasketTimeline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/baskets/basket-1/dumps", map[string]any{
		"dump_request_id": "req-t",
		"text":            "timeline fodder",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/baskets/basket-1/timeline", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTimeline
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	kinds := map[string]bool{}
	for _, evt := range page.Items {
		kinds[evt.Kind] = true
	}
	for _, want := range []string{"dump.created", "work.initiated", "work.completed"} {
		if !kinds[want] {
			t.Fatalf("timeline missing %s event; got %v", want, kinds)
		}
	}
}
