// Package ops defines the tagged union of substrate operations. Each tag has
// a validator, run at the governance boundary before any work item exists,
// and an executor, run inside the engine transaction. Unknown tags are
// rejected up front.
package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"yarnline/internal/domain"
	"yarnline/internal/substrate"
	"yarnline/internal/timeline"
)

const (
	OpDumpCapture        = "dump.capture"
	OpBlockCreate        = "block.create"
	OpBlockUpdate        = "block.update"
	OpBlockRestore       = "block.restore"
	OpContextItemCreate  = "context_item.create"
	OpRelationshipCreate = "relationship.create"
	OpReflectionCreate   = "reflection.create"
	OpDocumentCompose    = "document.compose"
	OpDocumentAttachRefs = "document.attach_refs"
)

// ExecScope carries everything an executor needs besides the operation
// itself. Executors run inside Tx and must not commit.
type ExecScope struct {
	Tx          *sql.Tx
	Store       substrate.Store
	Timeline    timeline.Writer
	WorkID      string
	BasketID    string
	WorkspaceID string
	ActorID     string
	Now         time.Time
}

// Result aggregates what a bundle produced; it becomes the work result.
type Result struct {
	DumpID          string   `json:"dump_id,omitempty"`
	BlockIDs        []string `json:"block_ids,omitempty"`
	ContextItemIDs  []string `json:"context_item_ids,omitempty"`
	RelationshipIDs []string `json:"relationship_ids,omitempty"`
	ReflectionIDs   []string `json:"reflection_ids,omitempty"`
	DocumentID      string   `json:"document_id,omitempty"`
	RefCount        int      `json:"ref_count,omitempty"`
}

type handler struct {
	validate func(op domain.Operation) error
	execute  func(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error
}

var registry = map[string]handler{
	OpDumpCapture: {
		validate: requireStrings("dump_id"),
		execute:  execDumpCapture,
	},
	OpBlockCreate: {
		validate: requireStrings("semantic_type", "content"),
		execute:  execBlockCreate,
	},
	OpBlockUpdate: {
		validate: requireStrings("block_id", "content"),
		execute:  execBlockUpdate,
	},
	OpBlockRestore: {
		validate: requireStrings("block_id", "content"),
		execute:  execBlockRestore,
	},
	OpContextItemCreate: {
		validate: requireStrings("kind", "label"),
		execute:  execContextItemCreate,
	},
	OpRelationshipCreate: {
		validate: requireStrings("from_type", "from_id", "to_type", "to_id", "relationship_type"),
		execute:  execRelationshipCreate,
	},
	OpReflectionCreate: {
		validate: requireStrings("body"),
		execute:  execReflectionCreate,
	},
	OpDocumentCompose: {
		validate: validateDocumentCompose,
		execute:  execDocumentCompose,
	},
	OpDocumentAttachRefs: {
		validate: validateAttachRefs,
		execute:  execDocumentAttachRefs,
	},
}

// Validate checks a whole bundle, rejecting empty bundles and unknown tags.
func Validate(operations []domain.Operation) error {
	if len(operations) == 0 {
		return fmt.Errorf("operation bundle is empty")
	}
	for i, op := range operations {
		h, ok := registry[op.Type]
		if !ok {
			return fmt.Errorf("operation %d: unknown type %q", i, op.Type)
		}
		if err := h.validate(op); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, op.Type, err)
		}
	}
	return nil
}

// Execute applies a validated bundle in order within the scope transaction.
func Execute(ctx context.Context, sc ExecScope, operations []domain.Operation) (Result, error) {
	var res Result
	for i, op := range operations {
		h, ok := registry[op.Type]
		if !ok {
			return res, fmt.Errorf("operation %d: unknown type %q", i, op.Type)
		}
		if err := h.execute(ctx, sc, i, op, &res); err != nil {
			return res, fmt.Errorf("operation %d (%s): %w", i, op.Type, err)
		}
	}
	return res, nil
}

// opID derives a stable row ID from the work item, the operation index and a
// natural key, so re-applying a bundle after a lease-expiry re-claim
// converges instead of duplicating rows.
func opID(sc ExecScope, idx int, naturalKey string) string {
	seed := sc.WorkID + "|" + strconv.Itoa(idx) + "|" + naturalKey
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func execDumpCapture(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	dumpID := getString(op.Data, "dump_id")
	d, err := sc.Store.GetDumpTx(ctx, sc.Tx, dumpID)
	if err != nil {
		return fmt.Errorf("dump %s: %w", dumpID, err)
	}
	if d.BasketID != sc.BasketID {
		return fmt.Errorf("dump %s not in basket %s", dumpID, sc.BasketID)
	}
	res.DumpID = dumpID
	return nil
}

func execBlockCreate(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	now := sc.Now.UTC().Format(time.RFC3339)
	b := domain.Block{
		ID:           opID(sc, idx, getString(op.Data, "semantic_type")+"|"+getString(op.Data, "title")),
		BasketID:     sc.BasketID,
		WorkspaceID:  sc.WorkspaceID,
		SemanticType: getString(op.Data, "semantic_type"),
		Title:        getString(op.Data, "title"),
		Content:      getString(op.Data, "content"),
		Confidence:   getFloat(op.Data, "confidence"),
		State:        "accepted",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := sc.Store.UpsertBlock(ctx, sc.Tx, b); err != nil {
		return err
	}
	res.BlockIDs = append(res.BlockIDs, b.ID)
	return sc.Timeline.Append(ctx, sc.Tx, "block.created", sc.BasketID, sc.WorkspaceID, b.ID,
		preview("block", b.Title, b.Content), sc.ActorID, timeline.EventPayload{"semantic_type": b.SemanticType})
}

func execBlockUpdate(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	blockID := getString(op.Data, "block_id")
	ok, err := sc.Store.UpdateBlockContent(ctx, sc.Tx, blockID, getString(op.Data, "content"), sc.Now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("block %s not found", blockID)
	}
	res.BlockIDs = append(res.BlockIDs, blockID)
	return sc.Timeline.Append(ctx, sc.Tx, "block.updated", sc.BasketID, sc.WorkspaceID, blockID, "", sc.ActorID, nil)
}

func execBlockRestore(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	blockID := getString(op.Data, "block_id")
	ok, err := sc.Store.UpdateBlockContent(ctx, sc.Tx, blockID, getString(op.Data, "content"), sc.Now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("block %s not found", blockID)
	}
	res.BlockIDs = append(res.BlockIDs, blockID)
	return sc.Timeline.Append(ctx, sc.Tx, "block.restored", sc.BasketID, sc.WorkspaceID, blockID, "", sc.ActorID, nil)
}

func execContextItemCreate(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	ci := domain.ContextItem{
		ID:          opID(sc, idx, getString(op.Data, "kind")+"|"+getString(op.Data, "label")),
		BasketID:    sc.BasketID,
		WorkspaceID: sc.WorkspaceID,
		Kind:        getString(op.Data, "kind"),
		Label:       getString(op.Data, "label"),
		Content:     getString(op.Data, "content"),
		CreatedAt:   sc.Now.UTC().Format(time.RFC3339),
	}
	if err := sc.Store.UpsertContextItem(ctx, sc.Tx, ci); err != nil {
		return err
	}
	res.ContextItemIDs = append(res.ContextItemIDs, ci.ID)
	return sc.Timeline.Append(ctx, sc.Tx, "context_item.created", sc.BasketID, sc.WorkspaceID, ci.ID,
		preview("context item", ci.Label, ci.Content), sc.ActorID, timeline.EventPayload{"kind": ci.Kind})
}

func execRelationshipCreate(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	rel := domain.Relationship{
		ID:               opID(sc, idx, getString(op.Data, "from_id")+"|"+getString(op.Data, "to_id")+"|"+getString(op.Data, "relationship_type")),
		BasketID:         sc.BasketID,
		FromType:         getString(op.Data, "from_type"),
		FromID:           getString(op.Data, "from_id"),
		ToType:           getString(op.Data, "to_type"),
		ToID:             getString(op.Data, "to_id"),
		RelationshipType: getString(op.Data, "relationship_type"),
		Strength:         getFloat(op.Data, "strength"),
		CreatedAt:        sc.Now.UTC().Format(time.RFC3339),
	}
	if err := sc.Store.InsertRelationship(ctx, sc.Tx, rel); err != nil {
		return err
	}
	res.RelationshipIDs = append(res.RelationshipIDs, rel.ID)
	return sc.Timeline.Append(ctx, sc.Tx, "block.linked", sc.BasketID, sc.WorkspaceID, rel.ID, "", sc.ActorID,
		timeline.EventPayload{"from": rel.FromID, "to": rel.ToID, "relationship_type": rel.RelationshipType})
}

func execReflectionCreate(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	refl := domain.Reflection{
		ID:          opID(sc, idx, "reflection"),
		BasketID:    sc.BasketID,
		WorkspaceID: sc.WorkspaceID,
		Body:        getString(op.Data, "body"),
		CreatedAt:   sc.Now.UTC().Format(time.RFC3339),
	}
	if err := sc.Store.UpsertReflection(ctx, sc.Tx, refl); err != nil {
		return err
	}
	res.ReflectionIDs = append(res.ReflectionIDs, refl.ID)
	return sc.Timeline.Append(ctx, sc.Tx, "reflection.computed", sc.BasketID, sc.WorkspaceID, refl.ID,
		preview("reflection", "", refl.Body), sc.ActorID, nil)
}

func execDocumentCompose(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	now := sc.Now.UTC().Format(time.RFC3339)
	doc := domain.Document{
		ID:          opID(sc, idx, getString(op.Data, "title")),
		BasketID:    sc.BasketID,
		WorkspaceID: sc.WorkspaceID,
		Title:       getString(op.Data, "title"),
		Body:        getString(op.Data, "body"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := sc.Store.UpsertDocument(ctx, sc.Tx, doc); err != nil {
		return err
	}
	refs := getRefs(op.Data)
	for _, ref := range refs {
		ref.DocumentID = doc.ID
		if err := sc.Store.AttachDocumentRef(ctx, sc.Tx, ref); err != nil {
			return err
		}
	}
	res.DocumentID = doc.ID
	res.RefCount += len(refs)
	return sc.Timeline.Append(ctx, sc.Tx, "document.created", sc.BasketID, sc.WorkspaceID, doc.ID,
		preview("document", doc.Title, ""), sc.ActorID, timeline.EventPayload{"ref_count": len(refs)})
}

func execDocumentAttachRefs(ctx context.Context, sc ExecScope, idx int, op domain.Operation, res *Result) error {
	docID := getString(op.Data, "document_id")
	if _, err := sc.Store.GetDocumentTx(ctx, sc.Tx, docID); err != nil {
		return fmt.Errorf("document %s: %w", docID, err)
	}
	refs := getRefs(op.Data)
	for _, ref := range refs {
		ref.DocumentID = docID
		if err := sc.Store.AttachDocumentRef(ctx, sc.Tx, ref); err != nil {
			return err
		}
	}
	res.DocumentID = docID
	res.RefCount += len(refs)
	return sc.Timeline.Append(ctx, sc.Tx, "document.refs_attached", sc.BasketID, sc.WorkspaceID, docID, "", sc.ActorID,
		timeline.EventPayload{"ref_count": len(refs)})
}

// --- validation helpers ---

func requireStrings(keys ...string) func(op domain.Operation) error {
	return func(op domain.Operation) error {
		for _, k := range keys {
			if getString(op.Data, k) == "" {
				return fmt.Errorf("%s is required", k)
			}
		}
		return nil
	}
}

func validateDocumentCompose(op domain.Operation) error {
	if err := requireStrings("title")(op); err != nil {
		return err
	}
	return validateRefList(op)
}

func validateAttachRefs(op domain.Operation) error {
	if err := requireStrings("document_id")(op); err != nil {
		return err
	}
	if len(getRefs(op.Data)) == 0 {
		return fmt.Errorf("refs is required")
	}
	return validateRefList(op)
}

func validateRefList(op domain.Operation) error {
	raw, ok := op.Data["refs"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("refs must be a list")
	}
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("refs[%d] must be an object", i)
		}
		if getString(m, "substrate_type") == "" || getString(m, "substrate_id") == "" {
			return fmt.Errorf("refs[%d] needs substrate_type and substrate_id", i)
		}
	}
	return nil
}

// --- data helpers ---

func getString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(data map[string]any, key string) *float64 {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

func getRefs(data map[string]any) []domain.DocumentRef {
	raw, ok := data["refs"].([]any)
	if !ok {
		return nil
	}
	var refs []domain.DocumentRef
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		refs = append(refs, domain.DocumentRef{
			SubstrateType: getString(m, "substrate_type"),
			SubstrateID:   getString(m, "substrate_id"),
			Role:          getString(m, "role"),
		})
	}
	return refs
}

func preview(kind, title, content string) string {
	text := title
	if text == "" {
		text = content
	}
	if len(text) > 80 {
		text = text[:77] + "..."
	}
	if text == "" {
		return kind
	}
	return kind + ": " + text
}
