// Package server exposes the orchestration API over HTTP. The handler layer
// stays thin: decode, call the engine, encode; every governed decision lives
// in the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"yarnline/internal/config"
	"yarnline/internal/domain"
	"yarnline/internal/engine"
	"yarnline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"lost the race to claim this work item"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Yarnline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Yarnline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBaskets(group, cfg.Engine)
	registerDumps(group, cfg.Engine)
	registerWork(group, cfg.Engine, basePath)
	registerProposals(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerConfigAPI(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case engine.IsValidation(err):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case engine.IsAuthorization(err):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case engine.IsConflict(err):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrClaimConflict):
		return newAPIError(http.StatusConflict, "claim_conflict", "lost the race to claim this work item", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ee engine.ExecutionError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusUnprocessableEntity, "execution_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "missing") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Yarnline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBaskets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-basket",
		Method:      http.MethodPost,
		Path:        "/baskets",
		Summary:     "Create basket",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateBasketRequest `json:"body"`
	}) (*struct {
		Body BasketResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		mode := input.Body.Mode
		if mode == "" {
			mode = "default"
		}
		id := uuid.NewString()
		if input.Body.ID != nil && *input.Body.ID != "" {
			id = *input.Body.ID
		}
		b := domain.Basket{
			ID:          id,
			WorkspaceID: e.Config.Workspace.ID,
			Name:        input.Body.Name,
			Mode:        mode,
			Status:      "active",
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertBasket(ctx, b); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BasketResponse `json:"body"`
		}{Body: basketResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-baskets",
		Method:      http.MethodGet,
		Path:        "/baskets",
		Summary:     "List baskets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BasketResponse `json:"body"`
	}, error) {
		baskets, err := e.Repo.ListBaskets(ctx, e.Config.Workspace.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]BasketResponse, 0, len(baskets))
		for _, b := range baskets {
			res = append(res, basketResponse(b))
		}
		return &struct {
			Body []BasketResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-basket",
		Method:      http.MethodGet,
		Path:        "/baskets/{basket_id}",
		Summary:     "Get basket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BasketID string `path:"basket_id"`
	}) (*struct {
		Body BasketResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBasket(ctx, input.BasketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BasketResponse `json:"body"`
		}{Body: basketResponse(b)}, nil
	})
}

func registerDumps(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-dump",
		Method:      http.MethodPost,
		Path:        "/baskets/{basket_id}/dumps",
		Summary:     "Ingest a raw dump",
		Description: "Idempotent on dump_request_id: a retried request replays the original dump_id.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		BasketID string            `path:"basket_id"`
		Body     IngestDumpRequest `json:"body"`
	}) (*struct {
		Body IngestDumpResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		meta := ""
		if len(input.Body.Meta) > 0 {
			b, err := json.Marshal(input.Body.Meta)
			if err != nil {
				return nil, handleError(err)
			}
			meta = string(b)
		}
		res, err := e.IngestDump(ctx, engine.IngestRequest{
			WorkspaceID:   e.Config.Workspace.ID,
			BasketID:      input.BasketID,
			DumpRequestID: input.Body.DumpRequestID,
			Text:          input.Body.Text,
			FileRef:       input.Body.FileRef,
			MetaJSON:      meta,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestDumpResponse `json:"body"`
		}{Body: IngestDumpResponse{DumpID: res.DumpID, WorkID: res.WorkID, Replayed: res.Replayed}}, nil
	})
}

func registerWork(api huma.API, e *engine.Engine, basePath string) {
	statusURL := func(workID string) string {
		return path.Join(basePath, "work", workID, "status")
	}

	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/work",
		Summary:     "Submit an operation bundle",
		Description: "Routes through governance: auto_execute runs synchronously, create_proposal parks the work behind a review.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitWorkRequest `json:"body"`
	}) (*struct {
		Body SubmitWorkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Submit(ctx, engine.SubmitRequest{
			WorkType:        input.Body.WorkType,
			WorkspaceID:     e.Config.Workspace.ID,
			BasketID:        input.Body.BasketID,
			Operations:      operationsDomain(input.Body.Operations),
			ConfidenceScore: input.Body.ConfidenceScore,
			UserOverride:    input.Body.UserOverride,
			Priority:        input.Body.Priority,
			IdempotencyKey:  input.Body.IdempotencyKey,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitWorkResponse `json:"body"`
		}{Body: SubmitWorkResponse{
			WorkID:        res.WorkID,
			ExecutionMode: res.ExecutionMode,
			ProposalID:    res.ProposalID,
			StatusURL:     statusURL(res.WorkID),
			Replayed:      res.Replayed,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		BasketID string `query:"basket_id"`
		WorkType string `query:"work_type"`
		State    string `query:"state"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkItems `json:"body"`
	}, error) {
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			WorkspaceID:     e.Config.Workspace.ID,
			BasketID:        input.BasketID,
			WorkType:        input.WorkType,
			ProcessingState: input.State,
			Limit:           limit,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedWorkItems{Items: mapWorkItems(items)}
		if len(items) == limit {
			last := items[len(items)-1]
			out.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedWorkItems `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/work/{work_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkItem(ctx, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-status",
		Method:      http.MethodGet,
		Path:        "/work/{work_id}/status",
		Summary:     "Work status",
		Description: "Safe to poll at sub-second intervals; has no side effects.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		st, err := e.Status(ctx, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/claim",
		Summary:     "Claim a work item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkID string           `path:"work_id"`
		Body   ClaimWorkRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.WorkerID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		w, err := e.Claim(ctx, input.WorkID, input.Body.WorkerID, time.Duration(input.Body.LeaseSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-next-work",
		Method:      http.MethodPost,
		Path:        "/work/claim-next",
		Summary:     "Claim the next pending work item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ClaimWorkRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.WorkerID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		w, err := e.ClaimNext(ctx, e.Config.Workspace.ID, input.Body.WorkerID, time.Duration(input.Body.LeaseSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/advance",
		Summary:     "Advance the progress stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkID string             `path:"work_id"`
		Body   AdvanceWorkRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Stage) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		if err := e.Advance(ctx, input.WorkID, input.Body.Stage); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/complete",
		Summary:     "Complete a claimed work item",
		Description: "Triggers the cascade to the next pipeline stage before returning.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkID string              `path:"work_id"`
		Body   CompleteWorkRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result := input.Body.Result
		if result == nil {
			result = map[string]any{}
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Complete(ctx, input.WorkID, string(resultJSON), actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/fail",
		Summary:     "Fail a claimed work item",
		Description: "Retriable failures re-queue the item while the attempt budget lasts.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkID string          `path:"work_id"`
		Body   FailWorkRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Error) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "error is required", nil)
		}
		if err := e.Fail(ctx, input.WorkID, input.Body.Error, input.Body.Retriable); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProposals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		BasketID string `query:"basket_id"`
		Status   string `query:"status" enum:",PROPOSED,APPROVED,REJECTED"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			WorkspaceID: e.Config.Workspace.ID,
			BasketID:    input.BasketID,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: mapProposals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/approve",
		Summary:     "Approve a proposal",
		Description: "Executes the proposed operations and completes the linked work item atomically.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProposalID string                `path:"proposal_id"`
		Body       ReviewProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Approve(ctx, input.ProposalID, actorID, input.Body.Notes); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/reject",
		Summary:     "Reject a proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string                `path:"proposal_id"`
		Body       ReviewProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Reject(ctx, input.ProposalID, actorID, input.Body.Notes); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}

func registerTimeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "basket-timeline",
		Method:      http.MethodGet,
		Path:        "/baskets/{basket_id}/timeline",
		Summary:     "Basket timeline",
		Description: "Events for one basket, ascending by insertion; poll with after=<last id>.",
	}, func(ctx context.Context, input *struct {
		BasketID string `path:"basket_id"`
		After    int64  `query:"after"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body paginatedTimeline `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.TimelineAfter(ctx, limit, input.After, input.BasketID)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedTimeline{Items: mapTimeline(items)}
		if len(items) == limit {
			out.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		return &struct {
			Body paginatedTimeline `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-timeline",
		Method:      http.MethodGet,
		Path:        "/timeline",
		Summary:     "Latest timeline events",
	}, func(ctx context.Context, input *struct {
		BasketID string `query:"basket_id"`
		Kind     string `query:"kind"`
		RefID    string `query:"ref_id"`
		Cursor   int64  `query:"cursor"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body paginatedTimeline `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestTimeline(ctx, limit, input.Cursor, input.BasketID, input.Kind, input.RefID)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedTimeline{Items: mapTimeline(items)}
		if len(items) == limit {
			out.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		return &struct {
			Body paginatedTimeline `json:"body"`
		}{Body: out}, nil
	})
}

func registerConfigAPI(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Workspace governance config",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *e.Config}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Replace workspace governance config",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		next := input.Body
		next.Workspace.ID = e.Config.Workspace.ID
		if err := next.Validate(); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertWorkspaceConfig(ctx, next.Workspace.ID, &next); err != nil {
			return nil, handleError(err)
		}
		*e.Config = next
		return &struct {
			Body config.Config `json:"body"`
		}{Body: next}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/apikeys",
		Summary:     "Create API key",
		Description: "The plaintext key is returned once and never stored.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext := "yl_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
