package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"yarnline/internal/domain"
	"yarnline/internal/engine/ops"
	"yarnline/internal/substrate"
)

// HeuristicProducer is the built-in operation producer for cascade stages.
// It derives blocks from dump paragraphs, links adjacent blocks, reflects
// over the basket and composes a digest document. Agent-backed producers
// replace it behind the same interface.
type HeuristicProducer struct {
	Store substrate.Store
}

func (p HeuristicProducer) Produce(ctx context.Context, w domain.WorkItem) ([]domain.Operation, error) {
	basketID := ""
	if w.BasketID != nil {
		basketID = *w.BasketID
	}
	switch w.WorkType {
	case domain.WorkSubstrateExtract:
		return p.extract(ctx, w)
	case domain.WorkGraphLink:
		return p.link(ctx, basketID)
	case domain.WorkReflect:
		return p.reflect(ctx, basketID)
	case domain.WorkCompose:
		return p.compose(ctx, basketID)
	}
	return nil, fmt.Errorf("no producer for work type %s", w.WorkType)
}

// extract splits the captured dump into paragraph blocks.
func (p HeuristicProducer) extract(ctx context.Context, w domain.WorkItem) ([]domain.Operation, error) {
	var refs struct {
		DumpID string `json:"dump_id"`
	}
	if w.InputRefsJSON != nil {
		if err := json.Unmarshal([]byte(*w.InputRefsJSON), &refs); err != nil {
			return nil, fmt.Errorf("decode input refs: %w", err)
		}
	}
	if refs.DumpID == "" {
		return nil, fmt.Errorf("input refs carry no dump_id")
	}
	d, err := p.Store.GetDump(ctx, refs.DumpID)
	if err != nil {
		return nil, err
	}
	var operations []domain.Operation
	for _, para := range splitParagraphs(d.Body) {
		operations = append(operations, domain.Operation{
			Type: ops.OpBlockCreate,
			Data: map[string]any{
				"semantic_type": "note",
				"title":         firstLine(para),
				"content":       para,
				"confidence":    0.8,
			},
		})
	}
	if len(operations) == 0 {
		operations = append(operations, domain.Operation{
			Type: ops.OpContextItemCreate,
			Data: map[string]any{"kind": "source", "label": "file capture", "content": refs.DumpID},
		})
	}
	return operations, nil
}

// link relates adjacent blocks in creation order.
func (p HeuristicProducer) link(ctx context.Context, basketID string) ([]domain.Operation, error) {
	blocks, err := p.Store.ListBlocks(ctx, basketID)
	if err != nil {
		return nil, err
	}
	var operations []domain.Operation
	for i := 1; i < len(blocks); i++ {
		operations = append(operations, domain.Operation{
			Type: ops.OpRelationshipCreate,
			Data: map[string]any{
				"from_type":         "block",
				"from_id":           blocks[i-1].ID,
				"to_type":           "block",
				"to_id":             blocks[i].ID,
				"relationship_type": "related_to",
				"strength":          0.5,
			},
		})
	}
	if len(operations) == 0 {
		operations = append(operations, domain.Operation{
			Type: ops.OpContextItemCreate,
			Data: map[string]any{"kind": "graph", "label": "no linkable blocks"},
		})
	}
	return operations, nil
}

func (p HeuristicProducer) reflect(ctx context.Context, basketID string) ([]domain.Operation, error) {
	blocks, err := p.Store.ListBlocks(ctx, basketID)
	if err != nil {
		return nil, err
	}
	rels, err := p.Store.ListRelationships(ctx, basketID)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("Basket holds %d blocks connected by %d relationships.", len(blocks), len(rels))
	if len(blocks) > 0 {
		body += " Most recent: " + firstLine(blocks[len(blocks)-1].Content)
	}
	return []domain.Operation{{
		Type: ops.OpReflectionCreate,
		Data: map[string]any{"body": body},
	}}, nil
}

// compose builds a digest document referencing every block and reflection
// in the basket.
func (p HeuristicProducer) compose(ctx context.Context, basketID string) ([]domain.Operation, error) {
	blocks, err := p.Store.ListBlocks(ctx, basketID)
	if err != nil {
		return nil, err
	}
	reflections, err := p.Store.ListReflections(ctx, basketID)
	if err != nil {
		return nil, err
	}
	var body strings.Builder
	var refs []any
	for _, b := range blocks {
		fmt.Fprintf(&body, "%s\n\n", b.Content)
		refs = append(refs, map[string]any{"substrate_type": "block", "substrate_id": b.ID, "role": "source"})
	}
	for _, r := range reflections {
		fmt.Fprintf(&body, "> %s\n\n", r.Body)
		refs = append(refs, map[string]any{"substrate_type": "reflection", "substrate_id": r.ID, "role": "insight"})
	}
	return []domain.Operation{{
		Type: ops.OpDocumentCompose,
		Data: map[string]any{
			"title": "Basket digest",
			"body":  strings.TrimSpace(body.String()),
			"refs":  refs,
		},
	}}, nil
}

func splitParagraphs(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			out = append(out, para)
		}
	}
	return out
}

func firstLine(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 60 {
		line = line[:57] + "..."
	}
	return line
}
