package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"yarnline/internal/domain"
	"yarnline/internal/engine/ops"
	"yarnline/internal/repo"
)

type IngestRequest struct {
	WorkspaceID   string
	BasketID      string
	DumpRequestID string
	Text          string
	FileRef       string
	MetaJSON      string
	ActorID       string
}

type IngestResult struct {
	DumpID   string `json:"dump_id"`
	WorkID   string `json:"work_id,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// IngestDump captures raw input idempotently keyed by the caller's
// dump_request_id, then routes a capture work item that starts the
// pipeline. A retried request replays the original dump_id; the same key
// with different content is a conflict.
func (e *Engine) IngestDump(ctx context.Context, req IngestRequest) (IngestResult, error) {
	var res IngestResult
	if req.DumpRequestID == "" {
		return res, validationf("dump_request_id is required")
	}
	if req.Text == "" && req.FileRef == "" {
		return res, validationf("text or file_ref is required")
	}
	if req.ActorID == "" {
		req.ActorID = "system"
	}
	basket, err := e.Repo.GetBasket(ctx, req.BasketID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, AuthorizationError{Msg: fmt.Sprintf("basket %s not found in workspace %s", req.BasketID, req.WorkspaceID)}
	}
	if err != nil {
		return res, err
	}
	if basket.WorkspaceID != req.WorkspaceID {
		return res, AuthorizationError{Msg: fmt.Sprintf("basket %s does not belong to workspace %s", req.BasketID, req.WorkspaceID)}
	}

	key := "dump:" + req.DumpRequestID
	fingerprint := Fingerprint(req.BasketID, req.Text, req.FileRef)
	replayed, err := e.captureDump(ctx, req, key, fingerprint, &res)
	if err != nil {
		return res, err
	}
	res.Replayed = replayed

	sub, err := e.Submit(ctx, SubmitRequest{
		WorkType:    domain.WorkCapture,
		WorkspaceID: req.WorkspaceID,
		BasketID:    req.BasketID,
		Operations: []domain.Operation{
			{Type: ops.OpDumpCapture, Data: map[string]any{"dump_id": res.DumpID}},
		},
		IdempotencyKey: "capture:" + req.DumpRequestID,
		ActorID:        req.ActorID,
	})
	if err != nil {
		return res, err
	}
	res.WorkID = sub.WorkID
	return res, nil
}

// captureDump inserts the dump and its ledger record in one transaction.
// Returns true when the key replayed a prior capture.
func (e *Engine) captureDump(ctx context.Context, req IngestRequest, key, fingerprint string, res *IngestResult) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	stored, hit, err := e.resolveLedger(ctx, tx, req.WorkspaceID, key, fingerprint)
	if err != nil {
		return false, err
	}
	if hit {
		var prior IngestResult
		if err := json.Unmarshal([]byte(stored), &prior); err != nil {
			return false, err
		}
		res.DumpID = prior.DumpID
		return true, nil
	}

	d := domain.Dump{
		ID:          uuid.NewString(),
		BasketID:    req.BasketID,
		WorkspaceID: req.WorkspaceID,
		Body:        req.Text,
		CreatedAt:   e.timestamp(),
	}
	if req.FileRef != "" {
		d.FileRef = &req.FileRef
	}
	if req.MetaJSON != "" {
		d.MetaJSON = &req.MetaJSON
	}
	if err := e.Substrate.InsertDump(ctx, tx, d); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "dump.created", req.BasketID, req.WorkspaceID, d.ID,
		dumpPreview(req.Text, req.FileRef), req.ActorID, nil); err != nil {
		return false, err
	}
	res.DumpID = d.ID
	if err := e.recordLedger(ctx, tx, req.WorkspaceID, key, fingerprint, IngestResult{DumpID: d.ID}); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

func dumpPreview(text, fileRef string) string {
	if text == "" {
		return "file capture: " + fileRef
	}
	if len(text) > 80 {
		text = text[:77] + "..."
	}
	return "capture: " + text
}
