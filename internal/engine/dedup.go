package engine

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"

	"github.com/tincomking/openclaw-tinmem/internal/config"
	"github.com/tincomking/openclaw-tinmem/internal/llm"
	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Action is a deduplication outcome.
type Action string

const (
	// ActionCreate inserts the candidate as a new memory.
	ActionCreate Action = "create"

	// ActionMerge folds the candidate into an existing memory.
	ActionMerge Action = "merge"

	// ActionSkip discards the candidate as a duplicate.
	ActionSkip Action = "skip"
)

// Decision is the deduplicator's verdict for one candidate. For merges it
// carries the target and the merged text and tags.
type Decision struct {
	Action   Action
	TargetID string

	Headline string
	Summary  string
	Content  string
	Tags     []string
}

// Caps for merged bodies on vector-strategy merges: the append-style
// concatenation would otherwise grow without bound.
const (
	mergedSummaryCap = 2000
	mergedContentCap = 8000
	truncationMark   = "…"
)

// dedupCandidates bounds how many similar memories the pre-filter loads.
const dedupCandidates = 5

// Deduplicator decides CREATE / MERGE / SKIP for extraction candidates
// using a category rule, a vector pre-filter, and optionally an LLM call.
type Deduplicator struct {
	store     storage.Store
	completer llm.Completer
	cfg       config.DeduplicationConfig
	logger    *log.Logger
}

// NewDeduplicator creates a deduplicator.
func NewDeduplicator(store storage.Store, completer llm.Completer, cfg config.DeduplicationConfig, logger *log.Logger) *Deduplicator {
	if logger == nil {
		logger = log.Default()
	}
	return &Deduplicator{
		store:     store,
		completer: completer,
		cfg:       cfg,
		logger:    logger.WithPrefix("tinmem.dedup"),
	}
}

// Decide returns the action for one candidate whose embedding has already
// been computed. Any LLM or parse failure falls back to CREATE: the system
// never silently loses information.
func (d *Deduplicator) Decide(ctx context.Context, candidate *types.ExtractedMemory, vec []float32, scope types.Scope) Decision {
	// Append-only categories always create.
	if types.IsAppendOnly(candidate.Category) {
		return Decision{Action: ActionCreate}
	}

	similar, err := d.prefilter(ctx, candidate, vec, scope)
	if err != nil {
		d.logger.Debug("vector pre-filter failed, creating", "err", err)
		return Decision{Action: ActionCreate}
	}
	if len(similar) == 0 {
		return Decision{Action: ActionCreate}
	}

	switch d.cfg.Strategy {
	case "vector":
		return d.autoMerge(candidate, &similar[0])
	case "both":
		if similar[0].VectorScore >= d.cfg.LLMThreshold {
			// Near-identical: certain duplicate.
			return Decision{Action: ActionSkip}
		}
		return d.llmDecide(ctx, candidate, similar)
	default: // "llm"
		return d.llmDecide(ctx, candidate, similar)
	}
}

// prefilter vector-searches up to five same-category, same-scope memories.
// The retrieval over-fetch is governed by a threshold 0.1 laxer than the
// decision threshold; only candidates at or above the decision threshold
// count as high-confidence matches.
func (d *Deduplicator) prefilter(ctx context.Context, candidate *types.ExtractedMemory, vec []float32, scope types.Scope) ([]types.ScoredMemory, error) {
	hits, err := d.store.VectorSearch(ctx, vec, storage.SearchOptions{
		Limit:      dedupCandidates,
		Scope:      scope,
		Categories: []types.Category{candidate.Category},
		MinScore:   d.cfg.SimilarityThreshold - 0.1,
	})
	if err != nil {
		return nil, err
	}

	var out []types.ScoredMemory
	for _, h := range hits {
		similarity := 1 - h.Distance
		if similarity < d.cfg.SimilarityThreshold {
			continue
		}
		out = append(out, types.ScoredMemory{Memory: h.Memory, VectorScore: similarity})
	}
	return out, nil
}

// autoMerge merges the candidate into the top match without an LLM call:
// the new headline wins, summary and content append, and tags union in
// stable order with new entries appended.
func (d *Deduplicator) autoMerge(candidate *types.ExtractedMemory, target *types.ScoredMemory) Decision {
	return Decision{
		Action:   ActionMerge,
		TargetID: target.ID,
		Headline: candidate.Headline,
		Summary:  capText(appendText(target.Summary, candidate.Summary), mergedSummaryCap),
		Content:  capText(appendText(target.Content, candidate.Content), mergedContentCap),
		Tags:     unionTags(target.Tags, candidate.Tags),
	}
}

// rawDecision is the wire shape of an LLM dedup verdict.
type rawDecision struct {
	Decision string   `json:"decision"`
	TargetID string   `json:"target_id"`
	Headline string   `json:"headline"`
	Summary  string   `json:"summary"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
}

// llmDecide asks the completion capability for a verdict over the
// candidate and its similar set.
func (d *Deduplicator) llmDecide(ctx context.Context, candidate *types.ExtractedMemory, similar []types.ScoredMemory) Decision {
	if d.completer == nil {
		return Decision{Action: ActionCreate}
	}

	messages := []llm.Message{
		{Role: "system", Content: dedupSystemPrompt},
		{Role: "user", Content: dedupPrompt(candidate, similar)},
	}
	raw, err := d.completer.Complete(ctx, messages, true)
	if err != nil {
		d.logger.Debug("dedup call failed, creating", "err", err)
		return Decision{Action: ActionCreate}
	}

	var parsed rawDecision
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &parsed); err != nil {
		d.logger.Debug("dedup output unparseable, creating", "err", err)
		return Decision{Action: ActionCreate}
	}

	switch Action(parsed.Decision) {
	case ActionSkip:
		return Decision{Action: ActionSkip}
	case ActionMerge:
		if !validMergeTarget(parsed.TargetID, similar) {
			return Decision{Action: ActionCreate}
		}
		dec := Decision{
			Action:   ActionMerge,
			TargetID: parsed.TargetID,
			Headline: parsed.Headline,
			Summary:  parsed.Summary,
			Content:  parsed.Content,
			Tags:     types.NormalizeTags(parsed.Tags),
		}
		// An LLM that names a target but omits merged text gets the
		// auto-merge treatment against that target.
		if dec.Headline == "" || dec.Summary == "" || dec.Content == "" {
			for i := range similar {
				if similar[i].ID == parsed.TargetID {
					return d.autoMerge(candidate, &similar[i])
				}
			}
		}
		return dec
	case ActionCreate:
		return Decision{Action: ActionCreate}
	default:
		return Decision{Action: ActionCreate}
	}
}

// validMergeTarget only accepts targets that were actually offered.
func validMergeTarget(id string, similar []types.ScoredMemory) bool {
	if !types.IsValidID(id) {
		return false
	}
	for _, m := range similar {
		if m.ID == id {
			return true
		}
	}
	return false
}

func appendText(existing, addition string) string {
	if existing == "" {
		return addition
	}
	if addition == "" {
		return existing
	}
	return existing + "\n" + addition
}

// capText truncates from the front so the newest text survives, marking
// the cut with an ellipsis.
func capText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return truncationMark + text[len(text)-limit+len(truncationMark):]
}

// unionTags preserves the order of existing tags and appends unseen new
// ones in their original order.
func unionTags(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(added))
	for _, t := range existing {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range added {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
