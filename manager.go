// Package tinmem is a persistent long-term memory store for conversational
// assistants. It ingests dialogue turns, distils them into categorised
// memory records with three abstraction levels, deduplicates near-identical
// candidates, and retrieves relevant memories for a query through a hybrid
// vector + lexical pipeline with optional cross-encoder rerank.
//
// The Manager is the single public entry point. Open one per store
// directory, share it freely across goroutines, and Close it on shutdown.
package tinmem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tincomking/openclaw-tinmem/internal/config"
	"github.com/tincomking/openclaw-tinmem/internal/embedding"
	"github.com/tincomking/openclaw-tinmem/internal/engine"
	"github.com/tincomking/openclaw-tinmem/internal/llm"
	"github.com/tincomking/openclaw-tinmem/internal/rerank"
	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/internal/storage/postgres"
	"github.com/tincomking/openclaw-tinmem/internal/storage/sqlite"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Turn re-exports the engine's dialogue turn for callers.
type Turn = engine.Turn

// Config re-exports the validated configuration object.
type Config = config.Config

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML config file (optional) plus TINMEM_ environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Manager is the public facade over the memory engine: ingestion,
// retrieval, manual store, update, forget, list, stats, export/import,
// and re-embedding.
type Manager struct {
	store     storage.Store
	embedder  embedding.Embedder
	completer llm.Completer
	reranker  rerank.Reranker
	logger    *log.Logger
	watcher   *config.Watcher

	// mu guards the hot-reloadable pipeline objects and config.
	mu        sync.RWMutex
	cfg       *config.Config
	extractor *engine.Extractor
	dedup     *engine.Deduplicator
	retriever *engine.Retriever
}

// Open builds a Manager from the configuration: it opens (or creates) the
// store, wires the capability clients, and assembles the pipelines.
// Re-opening an existing store with a different embedding dimensionality
// fails.
func Open(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "tinmem"})
		if cfg.Debug {
			logger.SetLevel(log.DebugLevel)
		} else {
			logger.SetLevel(log.WarnLevel)
		}
	}

	embedder := o.embedder
	if embedder == nil {
		var err error
		embedder, err = embedding.New(embedding.Config{
			Provider:   cfg.Embedding.Provider,
			Model:      cfg.Embedding.Model,
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, err
		}
	}

	completer := o.completer
	if completer == nil {
		var err error
		completer, err = llm.New(llm.Config{
			Provider:    cfg.LLM.Provider,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     config.LLMTimeout,
		})
		if err != nil {
			return nil, err
		}
	}

	reranker := o.reranker
	if reranker == nil && cfg.Retrieval.Reranker != nil {
		reranker = rerank.NewClient(rerank.Config{
			Model:   cfg.Retrieval.Reranker.Model,
			APIKey:  cfg.Retrieval.Reranker.APIKey,
			BaseURL: cfg.Retrieval.Reranker.BaseURL,
		})
	}

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(cfg, embedder.Dimensions(), logger)
		if err != nil {
			return nil, err
		}
	}

	m := &Manager{
		store:     store,
		embedder:  embedder,
		completer: completer,
		reranker:  reranker,
		logger:    logger,
	}
	m.rebuild(cfg)

	if o.configFile != "" {
		watcher, err := config.Watch(o.configFile, logger, func(next *config.Config) {
			m.rebuild(next)
		})
		if err != nil {
			logger.Warn("config watch unavailable", "err", err)
		} else {
			m.watcher = watcher
		}
	}

	return m, nil
}

// openStore selects the backend from the dbPath: postgres:// DSNs use the
// pgvector backend, everything else is a SQLite path.
func openStore(cfg *config.Config, dims int, logger *log.Logger) (storage.Store, error) {
	if strings.HasPrefix(cfg.DBPath, "postgres://") || strings.HasPrefix(cfg.DBPath, "postgresql://") {
		return postgres.Open(cfg.DBPath, dims, logger)
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return sqlite.Open(cfg.DBPath, dims, logger)
}

// rebuild swaps the tunable pipeline objects. Called at open time and from
// the config watcher; storage and capability clients are never swapped.
func (m *Manager) rebuild(cfg *config.Config) {
	scorer := engine.NewScorer(cfg.Scoring)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.extractor = engine.NewExtractor(m.completer, cfg.Capture, m.logger)
	m.dedup = engine.NewDeduplicator(m.store, m.completer, cfg.Deduplication, m.logger)
	m.retriever = engine.NewRetriever(m.store, m.embedder, m.reranker, scorer,
		cfg.Retrieval, cfg.Capture.NoiseFilter, m.logger)
}

// Close stops the config watcher and releases the store.
func (m *Manager) Close() error {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	return m.store.Close()
}

// resolveScope validates an explicit scope or falls back to the default.
func (m *Manager) resolveScope(scope types.Scope) (types.Scope, error) {
	if scope == "" {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.cfg.DefaultScope, nil
	}
	if !types.IsValidScope(scope) {
		return "", fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, scope)
	}
	return scope, nil
}

// ProcessTurn extracts, deduplicates, and persists memories from one
// (user, assistant) exchange. existingContext, when provided, lets the
// extractor avoid re-emitting facts from recent turns.
func (m *Manager) ProcessTurn(ctx context.Context, userMessage, assistantResponse string, scope types.Scope, existingContext []Turn) ([]types.Memory, error) {
	resolved, err := m.resolveScope(scope)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	extractor := m.extractor
	m.mu.RUnlock()

	candidates := extractor.ExtractTurn(ctx, userMessage, assistantResponse, existingContext)
	return m.applyCandidates(ctx, candidates, resolved)
}

// ProcessSession extracts memories from a whole conversation history.
func (m *Manager) ProcessSession(ctx context.Context, history []Turn, scope types.Scope) ([]types.Memory, error) {
	resolved, err := m.resolveScope(scope)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	extractor := m.extractor
	m.mu.RUnlock()

	candidates := extractor.ExtractSession(ctx, history)
	return m.applyCandidates(ctx, candidates, resolved)
}

// StoreOptions configures a manual store call.
type StoreOptions struct {
	Scope          types.Scope
	Importance     float64 // default 0.5 when zero
	Tags           []string
	Metadata       map[string]any
	SkipExtraction bool
}

// Store persists free text as memories. By default the text runs through
// the LLM extractor with the category overriding every extracted record;
// with SkipExtraction a single record is built mechanically from the text.
func (m *Manager) Store(ctx context.Context, content string, category types.Category, opts StoreOptions) ([]types.Memory, error) {
	if !types.IsValidCategory(category) {
		return nil, fmt.Errorf("%w: invalid category %q", storage.ErrInvalidInput, category)
	}
	resolved, err := m.resolveScope(opts.Scope)
	if err != nil {
		return nil, err
	}

	importance := opts.Importance
	if importance == 0 {
		importance = 0.5
	}

	var candidates []types.ExtractedMemory
	if opts.SkipExtraction {
		em, ok := types.NewExtractedMemory(
			truncateRunes(content, 100),
			truncateRunes(content, 300),
			content,
			category, importance, opts.Tags, opts.Metadata)
		if !ok {
			return nil, fmt.Errorf("%w: content is empty", storage.ErrInvalidInput)
		}
		candidates = []types.ExtractedMemory{em}
	} else {
		m.mu.RLock()
		extractor := m.extractor
		m.mu.RUnlock()

		candidates = extractor.ExtractText(ctx, content)
		for i := range candidates {
			candidates[i].Category = category
			if len(opts.Tags) > 0 {
				candidates[i].Tags = append(candidates[i].Tags, opts.Tags...)
			}
		}
	}

	return m.applyCandidates(ctx, candidates, resolved)
}

// applyCandidates runs the per-candidate state machine:
//
//	candidate -- SKIP  --> discard
//	          -- CREATE--> embed -> insert
//	          -- MERGE --> re-embed merged text -> update target
//
// An embed failure skips that candidate with a debug log; the insert is
// the last step, so a cancelled ingestion persists nothing partial.
func (m *Manager) applyCandidates(ctx context.Context, candidates []types.ExtractedMemory, scope types.Scope) ([]types.Memory, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	dedup := m.dedup
	m.mu.RUnlock()

	var out []types.Memory
	for i := range candidates {
		c := &candidates[i]

		vec, err := m.embedder.Embed(ctx, c.EmbeddingText())
		if err != nil {
			m.logger.Debug("embed failed, skipping candidate", "headline", c.Headline, "err", err)
			continue
		}

		decision := dedup.Decide(ctx, c, vec, scope)
		switch decision.Action {
		case engine.ActionSkip:
			continue

		case engine.ActionMerge:
			merged, err := m.applyMerge(ctx, &decision)
			if err != nil {
				m.logger.Debug("merge failed, skipping candidate", "target", decision.TargetID, "err", err)
				continue
			}
			if merged != nil {
				out = append(out, *merged)
			}

		default: // create
			inserted, err := m.store.Insert(ctx, &types.Memory{
				Headline:   c.Headline,
				Summary:    c.Summary,
				Content:    c.Content,
				Category:   c.Category,
				Scope:      scope,
				Importance: c.Importance,
				Tags:       c.Tags,
				Metadata:   c.Metadata,
				Vector:     vec,
			})
			if err != nil {
				return out, err
			}
			out = append(out, *inserted)
		}
	}
	return out, nil
}

// applyMerge re-embeds the merged text and rewrites the target row. The
// target's createdAt is preserved by the store.
func (m *Manager) applyMerge(ctx context.Context, d *engine.Decision) (*types.Memory, error) {
	vec, err := m.embedder.Embed(ctx, d.Headline+"\n"+d.Summary+"\n"+d.Content)
	if err != nil {
		return nil, err
	}
	return m.store.Update(ctx, d.TargetID, &types.MemoryDelta{
		Headline: &d.Headline,
		Summary:  &d.Summary,
		Content:  &d.Content,
		Tags:     &d.Tags,
		Vector:   &vec,
	})
}

// RecallOptions narrows a recall.
type RecallOptions struct {
	Limit      int
	MinScore   float64 // negative disables the threshold
	Scope      types.Scope
	Categories []types.Category
}

// Recall runs the hybrid retrieval pipeline for a query.
func (m *Manager) Recall(ctx context.Context, query string, opts RecallOptions) (*types.RetrievalResult, error) {
	if opts.Scope != "" && !types.IsValidScope(opts.Scope) {
		return nil, fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, opts.Scope)
	}

	m.mu.RLock()
	retriever := m.retriever
	m.mu.RUnlock()

	return retriever.Retrieve(ctx, query, engine.Options{
		Limit:      opts.Limit,
		MinScore:   opts.MinScore,
		Scope:      opts.Scope,
		Categories: opts.Categories,
	})
}

// ContextOptions configures BuildContext.
type ContextOptions struct {
	Level    types.Level
	Limit    int
	MinScore float64
	Scope    types.Scope
}

// BuildContext recalls memories for the query and assembles them into a
// single delimiter-wrapped text block at the requested abstraction level.
// An empty recall yields an empty string.
func (m *Manager) BuildContext(ctx context.Context, query string, opts ContextOptions) (string, error) {
	m.mu.RLock()
	limit := m.cfg.RecallLimit
	minScore := m.cfg.RecallMinScore
	m.mu.RUnlock()

	if opts.Limit > 0 {
		limit = opts.Limit
	}
	if opts.MinScore != 0 {
		minScore = opts.MinScore
	}

	result, err := m.Recall(ctx, query, RecallOptions{
		Limit:    limit,
		MinScore: minScore,
		Scope:    opts.Scope,
	})
	if err != nil {
		return "", err
	}
	return engine.BuildContextBlock(result.Memories, opts.Level), nil
}

// Forget removes one memory and reports whether it existed.
func (m *Manager) Forget(ctx context.Context, id string) (bool, error) {
	return m.store.Delete(ctx, id)
}

// ForgetMany removes the given memories and returns the count removed.
func (m *Manager) ForgetMany(ctx context.Context, ids []string) (int, error) {
	return m.store.DeleteMany(ctx, ids)
}

// ForgetByScope removes every memory in the scope and returns the count.
func (m *Manager) ForgetByScope(ctx context.Context, scope types.Scope) (int, error) {
	return m.store.DeleteByScope(ctx, scope)
}

// GetByID returns one memory, or nil when absent.
func (m *Manager) GetByID(ctx context.Context, id string) (*types.Memory, error) {
	return m.store.GetByID(ctx, id)
}

// Update applies a partial update. When any of headline, summary, or
// content changes, the vector is recomputed from the post-merge
// concatenation of the three levels.
func (m *Manager) Update(ctx context.Context, id string, delta *types.MemoryDelta) (*types.Memory, error) {
	if delta == nil {
		return nil, fmt.Errorf("%w: delta is required", storage.ErrInvalidInput)
	}

	if delta.TouchesText() && delta.Vector == nil {
		current, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, storage.ErrNotFound
		}
		next := *current
		delta.Apply(&next)
		vec, err := m.embedder.Embed(ctx, next.EmbeddingText())
		if err != nil {
			return nil, err
		}
		delta.Vector = &vec
	}

	return m.store.Update(ctx, id, delta)
}

// List pages through memories for administrative surfaces.
func (m *Manager) List(ctx context.Context, opts storage.ListOptions) ([]types.Memory, error) {
	return m.store.List(ctx, opts)
}

// Stats summarises the store without loading any vectors.
func (m *Manager) Stats(ctx context.Context) (*types.MemoryStats, error) {
	return m.store.Stats(ctx)
}

// listScope pages through every memory of a scope (empty scope = all).
func (m *Manager) listScope(ctx context.Context, scope types.Scope) ([]types.Memory, error) {
	var all []types.Memory
	const page = 500
	for offset := 0; ; offset += page {
		batch, err := m.store.List(ctx, storage.ListOptions{
			Scope:   scope,
			Limit:   page,
			Offset:  offset,
			OrderBy: "created_at", OrderDir: "asc",
		})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < page {
			return all, nil
		}
	}
}

// Export materialises every memory (optionally one scope) plus stats into
// a versioned payload. Vectors are not exported; import re-embeds.
func (m *Manager) Export(ctx context.Context, scope types.Scope) (*types.ExportPayload, error) {
	if scope != "" && !types.IsValidScope(scope) {
		return nil, fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, scope)
	}

	memories, err := m.listScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	for i := range memories {
		memories[i].Vector = nil
	}

	return &types.ExportPayload{
		Version:    types.ExportVersion,
		ExportedAt: time.Now().UnixMilli(),
		Memories:   memories,
		Stats:      *stats,
	}, nil
}

// Import inserts each payload memory afresh: new id, re-embedded vector,
// fresh timestamps. Failures are logged and skipped; the count of
// imported memories is returned.
func (m *Manager) Import(ctx context.Context, payload *types.ExportPayload, overrideScope types.Scope) (int, error) {
	if payload == nil {
		return 0, fmt.Errorf("%w: payload is required", storage.ErrInvalidInput)
	}
	if overrideScope != "" && !types.IsValidScope(overrideScope) {
		return 0, fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, overrideScope)
	}

	imported := 0
	for i := range payload.Memories {
		mem := payload.Memories[i]
		if overrideScope != "" {
			mem.Scope = overrideScope
		}
		mem.CreatedAt = 0
		mem.UpdatedAt = 0
		mem.LastAccessedAt = 0
		mem.AccessCount = 0

		vec, err := m.embedder.Embed(ctx, mem.EmbeddingText())
		if err != nil {
			m.logger.Debug("import embed failed, skipping", "headline", mem.Headline, "err", err)
			continue
		}
		mem.Vector = vec

		if _, err := m.store.Insert(ctx, &mem); err != nil {
			m.logger.Debug("import insert failed, skipping", "headline", mem.Headline, "err", err)
			continue
		}
		imported++
	}
	return imported, nil
}

// Reembed recomputes the vector of every memory in scope (empty = all)
// and rewrites it. Per-memory failures are swallowed; the count of
// successfully re-embedded memories is returned.
func (m *Manager) Reembed(ctx context.Context, scope types.Scope) (int, error) {
	if scope != "" && !types.IsValidScope(scope) {
		return 0, fmt.Errorf("%w: invalid scope %q", storage.ErrInvalidInput, scope)
	}

	memories, err := m.listScope(ctx, scope)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range memories {
		mem := &memories[i]
		vec, err := m.embedder.Embed(ctx, mem.EmbeddingText())
		if err != nil {
			m.logger.Debug("reembed failed", "id", mem.ID, "err", err)
			continue
		}
		if _, err := m.store.Update(ctx, mem.ID, &types.MemoryDelta{Vector: &vec}); err != nil {
			m.logger.Debug("reembed update failed", "id", mem.ID, "err", err)
			continue
		}
		count++
	}
	return count, nil
}

// truncateRunes cuts a string to at most n runes without splitting a
// multi-byte character.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
