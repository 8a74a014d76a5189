package engine

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/tincomking/openclaw-tinmem/internal/config"
	"github.com/tincomking/openclaw-tinmem/internal/embedding"
	"github.com/tincomking/openclaw-tinmem/internal/rerank"
	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Retriever orchestrates the hybrid retrieval pipeline: adaptive filter,
// query embedding, concurrent vector and lexical recall, merge, optional
// rerank, multi-stage scoring, and threshold/top-K truncation. Access
// counts of returned memories bump asynchronously through the write queue.
type Retriever struct {
	store       storage.Store
	embedder    embedding.Embedder
	reranker    rerank.Reranker // nil when not configured
	scorer      *Scorer
	cfg         config.RetrievalConfig
	noiseFilter bool
	logger      *log.Logger
}

// NewRetriever wires the retrieval pipeline. reranker may be nil.
func NewRetriever(store storage.Store, embedder embedding.Embedder, reranker rerank.Reranker,
	scorer *Scorer, cfg config.RetrievalConfig, noiseFilter bool, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.Default()
	}
	return &Retriever{
		store:       store,
		embedder:    embedder,
		reranker:    reranker,
		scorer:      scorer,
		cfg:         cfg,
		noiseFilter: noiseFilter,
		logger:      logger.WithPrefix("tinmem.retriever"),
	}
}

// Options narrows one retrieval call. Zero values fall back to the
// configured defaults.
type Options struct {
	Limit      int
	MinScore   float64 // negative means "no threshold"
	Scope      types.Scope
	Categories []types.Category
}

// Retrieve runs the full pipeline for a query.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (*types.RetrievalResult, error) {
	started := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = r.cfg.Limit
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = r.cfg.MinScore
	}
	if minScore < 0 {
		minScore = 0
	}

	result := &types.RetrievalResult{Query: query, Memories: []types.ScoredMemory{}}

	// Adaptive filter: noise queries return empty without touching the
	// store or the embedding capability.
	if r.noiseFilter && IsNoise(query) {
		result.TimingMs = time.Since(started).Milliseconds()
		return result, nil
	}
	if strings.TrimSpace(query) == "" {
		result.TimingMs = time.Since(started).Milliseconds()
		return result, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	candidateLimit := limit * r.cfg.CandidateMultiplier

	var vectorHits []storage.VectorHit
	var lexicalHits []storage.LexicalHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vectorHits, err = r.store.VectorSearch(gctx, vec, storage.SearchOptions{
			Limit:      candidateLimit,
			Scope:      opts.Scope,
			Categories: opts.Categories,
		})
		return err
	})
	if r.cfg.Hybrid {
		g.Go(func() error {
			var err error
			lexicalHits, err = r.store.FullTextSearch(gctx, query, storage.SearchOptions{
				Limit:      candidateLimit,
				Scope:      opts.Scope,
				Categories: opts.Categories,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeCandidates(vectorHits, lexicalHits)
	result.TotalFound = len(merged)
	if len(merged) == 0 {
		result.TimingMs = time.Since(started).Milliseconds()
		return result, nil
	}

	r.applyRerank(ctx, query, merged)

	scored := r.scorer.Score(merged, time.Now())

	for _, m := range scored {
		if m.Score < minScore {
			continue
		}
		result.Memories = append(result.Memories, m)
		if len(result.Memories) == limit {
			break
		}
	}

	// Fire-and-forget access bumps for the returned set; the retrieval
	// result does not depend on their outcome.
	for _, m := range result.Memories {
		r.store.EnqueueAccessBump(m.ID)
	}

	result.TimingMs = time.Since(started).Milliseconds()
	return result, nil
}

// mergeCandidates unions the two recall sides by id. Ids present on only
// one side score 0 on the missing signal.
func mergeCandidates(vectorHits []storage.VectorHit, lexicalHits []storage.LexicalHit) []types.ScoredMemory {
	index := make(map[string]int)
	var merged []types.ScoredMemory

	for _, h := range vectorHits {
		index[h.Memory.ID] = len(merged)
		merged = append(merged, types.ScoredMemory{
			Memory:      h.Memory,
			VectorScore: clamp01(1 - h.Distance),
		})
	}
	for _, h := range lexicalHits {
		if i, ok := index[h.Memory.ID]; ok {
			merged[i].BM25Score = h.Score
			continue
		}
		index[h.Memory.ID] = len(merged)
		merged = append(merged, types.ScoredMemory{
			Memory:    h.Memory,
			BM25Score: h.Score,
		})
	}
	return merged
}

// applyRerank scores candidates with the cross-encoder when configured.
// Each document is the candidate's headline and summary joined by a
// newline. Failures are non-fatal: the pipeline proceeds without rerank
// scores.
func (r *Retriever) applyRerank(ctx context.Context, query string, candidates []types.ScoredMemory) {
	if r.reranker == nil || len(candidates) == 0 {
		return
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Headline + "\n" + c.Summary
	}

	results, err := r.reranker.Rerank(ctx, query, docs)
	if err != nil {
		r.logger.Debug("rerank failed, proceeding without", "err", err)
		return
	}
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		score := res.Score
		candidates[res.Index].RerankScore = &score
	}
}
