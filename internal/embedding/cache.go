package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds the number of cached vectors. At 1536 float32
// dimensions this is roughly 50 MB worst case.
const defaultCacheSize = 8192

// Cached wraps an Embedder with an LRU keyed by the SHA-256 of the text.
// Ingestion embeds the same candidate text during dedup and insert, and
// reembed sweeps revisit unchanged rows; the cache makes both cheap while
// preserving determinism for identical inputs.
type Cached struct {
	inner Embedder
	cache *lru.Cache[[32]byte, []float32]
}

// NewCached wraps inner with a cache of the given size.
func NewCached(inner Embedder, size int) (*Cached, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector when present, otherwise delegates.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch serves cache hits and delegates the misses in one call,
// preserving input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		key := sha256.Sum256([]byte(t))
		if vec, ok := c.cache.Get(key); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		vecs, err := c.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			i := missIdx[j]
			out[i] = vec
			c.cache.Add(sha256.Sum256([]byte(texts[i])), vec)
		}
	}
	return out, nil
}

// Dimensions delegates to the wrapped embedder.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// Provider delegates to the wrapped embedder.
func (c *Cached) Provider() string {
	return c.inner.Provider()
}

var _ Embedder = (*Cached)(nil)
