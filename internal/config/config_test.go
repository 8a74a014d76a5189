package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() with missing file failed: %v", err)
	}
	if cfg.Retrieval.Limit != 10 {
		t.Errorf("retrieval.limit: got %d, want default 10", cfg.Retrieval.Limit)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinmem.yaml")
	content := `
db_path: /tmp/custom.db
retrieval:
  limit: 25
  min_score: 0.5
  hybrid: false
  candidate_multiplier: 4
deduplication:
  strategy: vector
  similarity_threshold: 0.6
  llm_threshold: 0.9
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("db_path: got %q", cfg.DBPath)
	}
	if cfg.Retrieval.Limit != 25 || cfg.Retrieval.Hybrid {
		t.Error("retrieval section not applied")
	}
	if cfg.Deduplication.Strategy != "vector" {
		t.Errorf("strategy: got %q", cfg.Deduplication.Strategy)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("TINMEM_DB_PATH", "/tmp/env.db")
	t.Setenv("TINMEM_EMBEDDING_DIMENSIONS", "512")
	t.Setenv("TINMEM_DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Errorf("db_path: got %q", cfg.DBPath)
	}
	if cfg.Embedding.Dimensions != 512 {
		t.Errorf("dimensions: got %d", cfg.Embedding.Dimensions)
	}
	if !cfg.Debug {
		t.Error("debug flag not applied")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad scope", func(c *Config) { c.DefaultScope = "nope:" }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"zero limit", func(c *Config) { c.Retrieval.Limit = 0 }},
		{"negative weight", func(c *Config) { c.Scoring.VectorWeight = -1 }},
		{"bad strategy", func(c *Config) { c.Deduplication.Strategy = "maybe" }},
		{"threshold above one", func(c *Config) { c.Deduplication.SimilarityThreshold = 1.5 }},
		{"min score above one", func(c *Config) { c.Retrieval.MinScore = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
