package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tincomking/openclaw-tinmem/internal/config"
	"github.com/tincomking/openclaw-tinmem/internal/embedding"
	"github.com/tincomking/openclaw-tinmem/internal/llm"
	"github.com/tincomking/openclaw-tinmem/internal/storage"
	"github.com/tincomking/openclaw-tinmem/internal/storage/sqlite"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

const dedupDims = 16

func dedupConfig(strategy string) config.DeduplicationConfig {
	return config.DeduplicationConfig{
		Strategy:            strategy,
		SimilarityThreshold: 0.3,
		LLMThreshold:        0.95,
	}
}

func newDedupStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", dedupDims, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedMemory(t *testing.T, store storage.Store, embedder embedding.Embedder,
	category types.Category, headline, summary, content string, tags []string) *types.Memory {
	t.Helper()
	m := &types.Memory{
		Headline: headline,
		Summary:  summary,
		Content:  content,
		Category: category,
		Scope:    types.ScopeGlobal,
		Tags:     tags,
	}
	vec, err := embedder.Embed(context.Background(), m.EmbeddingText())
	require.NoError(t, err)
	m.Vector = vec
	inserted, err := store.Insert(context.Background(), m)
	require.NoError(t, err)
	return inserted
}

func extractedCandidate(category types.Category, headline, summary, content string, tags []string) types.ExtractedMemory {
	em, ok := types.NewExtractedMemory(headline, summary, content, category, 0.7, tags, nil)
	if !ok {
		panic("invalid test candidate")
	}
	return em
}

func TestAppendOnlyCategoriesAlwaysCreate(t *testing.T) {
	store := newDedupStore(t)
	embedder := embedding.NewMock(dedupDims)
	d := NewDeduplicator(store, llm.NewMockCompleter(`{"decision":"skip"}`), dedupConfig("both"), nil)

	for _, cat := range []types.Category{types.CategoryEvents, types.CategoryCases} {
		c := extractedCandidate(cat, "Fixed a memory leak in component X",
			"A memory leak in component X was found and fixed.",
			"The assistant fixed a memory leak in component X.", nil)
		vec, _ := embedder.Embed(context.Background(), c.EmbeddingText())
		dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
		assert.Equal(t, ActionCreate, dec.Action, "category %s must always create", cat)
	}
}

func TestNoSimilarCandidatesCreate(t *testing.T) {
	store := newDedupStore(t)
	embedder := embedding.NewMock(dedupDims)
	d := NewDeduplicator(store, llm.NewMockCompleter(), dedupConfig("vector"), nil)

	c := extractedCandidate(types.CategoryPreferences, "User prefers dark mode",
		"The user prefers dark mode in every tool.",
		"The user stated a preference for dark mode.", []string{"ui"})
	vec, _ := embedder.Embed(context.Background(), c.EmbeddingText())

	dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
	assert.Equal(t, ActionCreate, dec.Action)
}

func TestVectorStrategyAutoMerges(t *testing.T) {
	store := newDedupStore(t)
	embedder := embedding.NewMock(dedupDims)
	d := NewDeduplicator(store, nil, dedupConfig("vector"), nil)

	target := seedMemory(t, store, embedder, types.CategoryPreferences,
		"User prefers dark mode",
		"The user prefers dark mode in their tools.",
		"The user stated they prefer dark mode in their tools.",
		[]string{"ui", "theme"})

	c := extractedCandidate(types.CategoryPreferences,
		"User likes dark themes in their editor",
		"The user prefers dark mode in their editor tools.",
		"The user stated they like dark themes in their editor tools.",
		[]string{"editor", "theme"})
	vec, _ := embedder.Embed(context.Background(), c.EmbeddingText())

	dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
	require.Equal(t, ActionMerge, dec.Action)
	assert.Equal(t, target.ID, dec.TargetID)
	// New headline wins; summary and content append.
	assert.Equal(t, c.Headline, dec.Headline)
	assert.Contains(t, dec.Summary, target.Summary)
	assert.Contains(t, dec.Summary, c.Summary)
	// Stable tag union with new entries appended.
	assert.Equal(t, []string{"ui", "theme", "editor"}, dec.Tags)
}

func TestBothStrategySkipsNearIdentical(t *testing.T) {
	store := newDedupStore(t)
	embedder := embedding.NewMock(dedupDims)
	mock := llm.NewMockCompleter(`{"decision":"create"}`)
	d := NewDeduplicator(store, mock, dedupConfig("both"), nil)

	seedMemory(t, store, embedder, types.CategoryPreferences,
		"User prefers dark mode",
		"The user prefers dark mode in their tools.",
		"The user stated they prefer dark mode in their tools.", nil)

	// Identical text embeds identically: similarity 1.0 >= llmThreshold.
	c := extractedCandidate(types.CategoryPreferences,
		"User prefers dark mode",
		"The user prefers dark mode in their tools.",
		"The user stated they prefer dark mode in their tools.", nil)
	vec, _ := embedder.Embed(context.Background(), c.EmbeddingText())

	dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
	assert.Equal(t, ActionSkip, dec.Action)
	assert.Equal(t, 0, mock.Calls(), "certain duplicates must not reach the LLM")
}

func TestLLMStrategyHonoursVerdict(t *testing.T) {
	store := newDedupStore(t)
	embedder := embedding.NewMock(dedupDims)

	target := seedMemory(t, store, embedder, types.CategoryPreferences,
		"User prefers dark mode",
		"The user prefers dark mode in their tools.",
		"The user stated they prefer dark mode in their tools.",
		[]string{"ui"})

	mock := llm.NewMockCompleter(`{
		"decision": "merge",
		"target_id": "` + target.ID + `",
		"headline": "User prefers dark themes across tools",
		"summary": "The user prefers dark mode and dark editor themes.",
		"content": "Merged narrative about dark themes.",
		"tags": ["ui", "theme"]
	}`)
	d := NewDeduplicator(store, mock, dedupConfig("llm"), nil)

	c := extractedCandidate(types.CategoryPreferences,
		"User likes dark editor themes",
		"The user prefers dark mode in their editor.",
		"The user stated they like dark themes in their editor tools.", nil)
	vec, _ := embedder.Embed(context.Background(), c.EmbeddingText())

	dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
	require.Equal(t, ActionMerge, dec.Action)
	assert.Equal(t, target.ID, dec.TargetID)
	assert.Equal(t, "User prefers dark themes across tools", dec.Headline)
	assert.Equal(t, 1, mock.Calls())
}

func TestLLMFailureFallsBackToCreate(t *testing.T) {
	store := newDedupStore(t)
	embedder := embedding.NewMock(dedupDims)

	seedMemory(t, store, embedder, types.CategoryPreferences,
		"User prefers dark mode",
		"The user prefers dark mode in their tools.",
		"The user stated they prefer dark mode in their tools.", nil)

	c := extractedCandidate(types.CategoryPreferences,
		"User prefers dark mode always",
		"The user prefers dark mode in all their tools.",
		"The user stated they prefer dark mode in all their tools.", nil)
	vec, _ := embedder.Embed(context.Background(), c.EmbeddingText())

	t.Run("transport error", func(t *testing.T) {
		mock := llm.NewMockCompleter()
		mock.Err = errors.New("boom")
		d := NewDeduplicator(store, mock, dedupConfig("llm"), nil)
		dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
		assert.Equal(t, ActionCreate, dec.Action)
	})

	t.Run("unparseable output", func(t *testing.T) {
		d := NewDeduplicator(store, llm.NewMockCompleter("not json at all"), dedupConfig("llm"), nil)
		dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
		assert.Equal(t, ActionCreate, dec.Action)
	})

	t.Run("merge with unknown target", func(t *testing.T) {
		d := NewDeduplicator(store,
			llm.NewMockCompleter(`{"decision":"merge","target_id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`),
			dedupConfig("llm"), nil)
		dec := d.Decide(context.Background(), &c, vec, types.ScopeGlobal)
		assert.Equal(t, ActionCreate, dec.Action)
	})
}

func TestMergedBodyCap(t *testing.T) {
	long := make([]byte, mergedContentCap)
	for i := range long {
		long[i] = 'x'
	}
	capped := capText(string(long)+"\nnew tail", mergedContentCap)
	assert.LessOrEqual(t, len(capped), mergedContentCap)
	assert.Contains(t, capped, "new tail", "newest text must survive the cap")
}
