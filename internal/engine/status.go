package engine

import (
	"context"
	"encoding/json"
	"time"

	"yarnline/internal/domain"
)

// Status is the poll-safe view of one work item. Polling it has no side
// effects.
type Status struct {
	WorkID              string           `json:"work_id"`
	WorkType            string           `json:"work_type"`
	State               string           `json:"state"`
	Stage               string           `json:"stage,omitempty"`
	ProgressPercentage  int              `json:"progress_percentage"`
	EstimatedCompletion *string          `json:"estimated_completion,omitempty"`
	Attempts            int              `json:"attempts"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	SubstrateImpact     *SubstrateImpact `json:"substrate_impact,omitempty"`
}

// SubstrateImpact reports how much substrate a compose touched. Live is
// false when the count fell back to the value recorded at completion time.
type SubstrateImpact struct {
	DocumentID string `json:"document_id"`
	RefCount   int    `json:"ref_count"`
	Live       bool   `json:"live"`
}

// stagePercent maps work type to its progress lookup table. Stages not
// listed here report 10.
var stagePercent = map[string]map[string]int{
	domain.WorkCompose: {
		"intent_analysis":      25,
		"substrate_query":      50,
		"substrate_selection":  75,
		"document_composition": 90,
	},
	domain.WorkSubstrateExtract: {
		"parsing":          30,
		"block_extraction": 60,
		"persistence":      85,
	},
	domain.WorkGraphLink: {
		"candidate_scan": 40,
		"link_scoring":   70,
	},
	domain.WorkReflect: {
		"pattern_scan":     40,
		"reflection_draft": 75,
	},
}

// Status computes progress, an estimated completion time and, for compose
// work, the substrate impact of the produced document.
func (e *Engine) Status(ctx context.Context, workID string) (Status, error) {
	w, err := e.Repo.GetWorkItem(ctx, workID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		WorkID:             w.ID,
		WorkType:           w.WorkType,
		State:              w.ProcessingState,
		ProgressPercentage: progress(w),
		Attempts:           w.Attempts,
	}
	if w.ProcessingStage != nil {
		st.Stage = *w.ProcessingStage
	}
	if w.ErrorMessage != nil {
		st.ErrorMessage = *w.ErrorMessage
	}
	if !w.Terminal() {
		if eta := e.estimatedCompletion(w); eta != "" {
			st.EstimatedCompletion = &eta
		}
	}
	if w.WorkType == domain.WorkCompose && w.WorkResultJSON != nil {
		st.SubstrateImpact = e.substrateImpact(ctx, *w.WorkResultJSON)
	}
	return st, nil
}

func progress(w domain.WorkItem) int {
	switch w.ProcessingState {
	case domain.StateCompleted:
		return 100
	case domain.StateFailed, domain.StatePending:
		return 0
	}
	if w.ProcessingStage != nil {
		if table, ok := stagePercent[w.WorkType]; ok {
			if pct, ok := table[*w.ProcessingStage]; ok {
				return pct
			}
		}
	}
	return 10
}

// estimatedCompletion is claimed_at (or created_at) plus the configured
// average duration for the work type.
func (e *Engine) estimatedCompletion(w domain.WorkItem) string {
	base := w.CreatedAt
	if w.ClaimedAt != nil {
		base = *w.ClaimedAt
	}
	t, err := time.Parse(time.RFC3339, base)
	if err != nil {
		return ""
	}
	return t.Add(e.Config.AverageDurationFor(w.WorkType)).UTC().Format(time.RFC3339)
}

// substrateImpact resolves the composed document to a live reference count,
// falling back to the count recorded in the work result.
func (e *Engine) substrateImpact(ctx context.Context, resultJSON string) *SubstrateImpact {
	var result struct {
		DocumentID string `json:"document_id"`
		RefCount   int    `json:"ref_count"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil || result.DocumentID == "" {
		return nil
	}
	impact := &SubstrateImpact{DocumentID: result.DocumentID, RefCount: result.RefCount}
	if n, err := e.Substrate.CountDocumentRefs(ctx, result.DocumentID); err == nil {
		impact.RefCount = n
		impact.Live = true
	}
	return impact
}
