// Package config provides configuration for the tinmem memory engine. It
// loads settings from an optional YAML file, overlays TINMEM_-prefixed
// environment variables, and validates the result. Retrieval, scoring, and
// deduplication knobs can be hot-reloaded at runtime via the Watcher;
// storage and embedding settings are fixed at open time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Config holds every setting the engine consumes.
type Config struct {
	DBPath       string      `yaml:"db_path"`
	DefaultScope types.Scope `yaml:"default_scope"`

	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Deduplication DeduplicationConfig `yaml:"deduplication"`
	Capture       CaptureConfig       `yaml:"capture"`

	AutoRecall     bool    `yaml:"auto_recall"`
	RecallLimit    int     `yaml:"recall_limit"`
	RecallMinScore float64 `yaml:"recall_min_score"`

	Debug bool `yaml:"debug"`
}

// EmbeddingConfig selects the embedding capability.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
}

// LLMConfig selects the completion capability.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// RetrievalConfig tunes the recall pipeline.
type RetrievalConfig struct {
	Limit                int            `yaml:"limit"`
	MinScore             float64        `yaml:"min_score"`
	Hybrid               bool           `yaml:"hybrid"`
	CandidateMultiplier  int            `yaml:"candidate_multiplier"`
	Reranker             *RerankerConfig `yaml:"reranker,omitempty"`
}

// RerankerConfig selects the optional cross-encoder rerank capability.
type RerankerConfig struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ScoringConfig holds the scorer weights and boost/penalty parameters.
type ScoringConfig struct {
	VectorWeight      float64 `yaml:"vector_weight"`
	BM25Weight        float64 `yaml:"bm25_weight"`
	RerankerWeight    float64 `yaml:"reranker_weight"`
	RecencyBoostDays  float64 `yaml:"recency_boost_days"`
	RecencyBoostFactor float64 `yaml:"recency_boost_factor"`
	ImportanceWeight  float64 `yaml:"importance_weight"`
	TimePenaltyDays   float64 `yaml:"time_penalty_days"`
	TimePenaltyFactor float64 `yaml:"time_penalty_factor"`
}

// DeduplicationConfig controls the CREATE/MERGE/SKIP policy.
type DeduplicationConfig struct {
	Strategy            string  `yaml:"strategy"` // llm, vector, both
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	LLMThreshold        float64 `yaml:"llm_threshold"`
}

// CaptureConfig gates the extractor.
type CaptureConfig struct {
	Auto             bool     `yaml:"auto"`
	SessionSummary   bool     `yaml:"session_summary"`
	NoiseFilter      bool     `yaml:"noise_filter"`
	MinContentLength int      `yaml:"min_content_length"`
	SkipPatterns     []string `yaml:"skip_patterns"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		DBPath:       defaultDBPath(),
		DefaultScope: types.ScopeGlobal,
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		LLM: LLMConfig{
			Provider:  "ollama",
			Model:     "qwen2.5:7b",
			MaxTokens: 4096,
		},
		Retrieval: RetrievalConfig{
			Limit:               10,
			MinScore:            0.3,
			Hybrid:              true,
			CandidateMultiplier: 3,
		},
		Scoring: ScoringConfig{
			VectorWeight:       0.6,
			BM25Weight:         0.25,
			RerankerWeight:     0.15,
			RecencyBoostDays:   7,
			RecencyBoostFactor: 0.1,
			ImportanceWeight:   0.15,
			TimePenaltyDays:    90,
			TimePenaltyFactor:  0.2,
		},
		Deduplication: DeduplicationConfig{
			Strategy:            "both",
			SimilarityThreshold: 0.75,
			LLMThreshold:        0.92,
		},
		Capture: CaptureConfig{
			Auto:             true,
			SessionSummary:   false,
			NoiseFilter:      true,
			MinContentLength: 20,
		},
		AutoRecall:     true,
		RecallLimit:    5,
		RecallMinScore: 0.4,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./tinmem.db"
	}
	return home + "/.tinmem/memories.db"
}

// Load reads the YAML file at path (missing file is not an error), applies
// environment overrides, and validates. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to env overlay with defaults.
		case err != nil:
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TINMEM_-prefixed environment variables over the
// current values. Only the settings a deployment typically injects via the
// environment are exposed; everything else belongs in the file.
func (c *Config) applyEnv() {
	c.DBPath = getEnv("TINMEM_DB_PATH", c.DBPath)
	if s := os.Getenv("TINMEM_DEFAULT_SCOPE"); s != "" {
		c.DefaultScope = types.Scope(s)
	}

	c.Embedding.Provider = getEnv("TINMEM_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("TINMEM_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("TINMEM_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = getEnv("TINMEM_EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Dimensions = getEnvInt("TINMEM_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)

	c.LLM.Provider = getEnv("TINMEM_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("TINMEM_LLM_MODEL", c.LLM.Model)
	c.LLM.APIKey = getEnv("TINMEM_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = getEnv("TINMEM_LLM_BASE_URL", c.LLM.BaseURL)

	c.Debug = getEnvBool("TINMEM_DEBUG", c.Debug)
}

// Validate enforces ranges on every knob the engine trusts blindly.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if !types.IsValidScope(c.DefaultScope) {
		return fmt.Errorf("config: invalid default_scope %q", c.DefaultScope)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Retrieval.Limit < 1 {
		return fmt.Errorf("config: retrieval.limit must be at least 1, got %d", c.Retrieval.Limit)
	}
	if c.Retrieval.CandidateMultiplier < 1 {
		return fmt.Errorf("config: retrieval.candidate_multiplier must be at least 1, got %d",
			c.Retrieval.CandidateMultiplier)
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("config: retrieval.min_score must be in [0, 1], got %v", c.Retrieval.MinScore)
	}
	for name, w := range map[string]float64{
		"scoring.vector_weight":    c.Scoring.VectorWeight,
		"scoring.bm25_weight":      c.Scoring.BM25Weight,
		"scoring.reranker_weight":  c.Scoring.RerankerWeight,
		"scoring.importance_weight": c.Scoring.ImportanceWeight,
	} {
		if w < 0 {
			return fmt.Errorf("config: %s must not be negative, got %v", name, w)
		}
	}
	switch c.Deduplication.Strategy {
	case "llm", "vector", "both":
	default:
		return fmt.Errorf("config: deduplication.strategy must be llm, vector, or both, got %q",
			c.Deduplication.Strategy)
	}
	if c.Deduplication.SimilarityThreshold < 0 || c.Deduplication.SimilarityThreshold > 1 {
		return fmt.Errorf("config: deduplication.similarity_threshold must be in [0, 1], got %v",
			c.Deduplication.SimilarityThreshold)
	}
	if c.Deduplication.LLMThreshold < 0 || c.Deduplication.LLMThreshold > 1 {
		return fmt.Errorf("config: deduplication.llm_threshold must be in [0, 1], got %v",
			c.Deduplication.LLMThreshold)
	}
	if c.Capture.MinContentLength < 0 {
		return fmt.Errorf("config: capture.min_content_length must not be negative")
	}
	return nil
}

// LLMTimeout is the transport timeout handed to the completion clients.
const LLMTimeout = 60 * time.Second

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes", "True", "TRUE":
		return true
	case "false", "0", "no", "False", "FALSE":
		return false
	}
	return fallback
}
