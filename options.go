package tinmem

import (
	"github.com/charmbracelet/log"

	"github.com/tincomking/openclaw-tinmem/internal/embedding"
	"github.com/tincomking/openclaw-tinmem/internal/llm"
	"github.com/tincomking/openclaw-tinmem/internal/rerank"
	"github.com/tincomking/openclaw-tinmem/internal/storage"
)

// Option customises Open, mainly to inject capability implementations.
// Tests use these to run the full pipeline against mocks.
type Option func(*openOptions)

type openOptions struct {
	store      storage.Store
	embedder   embedding.Embedder
	completer  llm.Completer
	reranker   rerank.Reranker
	logger     *log.Logger
	configFile string
}

// WithStore replaces the store the config would otherwise open.
func WithStore(s storage.Store) Option {
	return func(o *openOptions) { o.store = s }
}

// WithEmbedder replaces the embedding capability.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *openOptions) { o.embedder = e }
}

// WithCompleter replaces the LLM capability.
func WithCompleter(c llm.Completer) Option {
	return func(o *openOptions) { o.completer = c }
}

// WithReranker sets the optional rerank capability.
func WithReranker(r rerank.Reranker) Option {
	return func(o *openOptions) { o.reranker = r }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// WithConfigFile watches the given file and hot-reloads the tunable
// retrieval, scoring, deduplication, and capture knobs on change.
func WithConfigFile(path string) Option {
	return func(o *openOptions) { o.configFile = path }
}
