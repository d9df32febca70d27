package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends timeline events inside the caller's transaction so an
// event is never durable without the state change it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event. basketID may be empty for workspace-wide work.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, basketID, workspaceID, refID, preview, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO timeline_events(basket_id,workspace_id,kind,ref_id,preview,payload_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		nullable(basketID), workspaceID, kind, nullable(refID), nullable(preview), string(data), actorID, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
