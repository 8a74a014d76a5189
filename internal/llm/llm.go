// Package llm provides the completion capability used by the extractor and
// deduplicator: a small chat-message interface with JSON-mode support,
// provider clients for Anthropic, OpenAI-compatible, and Ollama endpoints,
// and the defensive parsing helpers for model output.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Message is one chat turn handed to the completion capability.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Completer is the LLM capability. When jsonMode is set, the
// implementation asks the provider for JSON output; callers still parse
// defensively.
type Completer interface {
	Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error)
	Model() string
}

// Config selects and parameterises a provider client.
type Config struct {
	Provider    string // "anthropic", "openai", "ollama"
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// New creates the provider client for the given configuration.
func New(cfg Config) (Completer, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "ollama", "":
		return NewOllamaClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// SplitSystem separates a leading system message from the conversational
// turns. Providers that carry the system prompt out of band (Anthropic)
// use it; the rest inline the system message.
func SplitSystem(messages []Message) (system string, rest []Message) {
	if len(messages) > 0 && messages[0].Role == "system" {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
