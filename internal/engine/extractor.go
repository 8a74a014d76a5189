package engine

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/charmbracelet/log"

	"github.com/tincomking/openclaw-tinmem/internal/config"
	"github.com/tincomking/openclaw-tinmem/internal/llm"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Turn is one (user, assistant) exchange.
type Turn struct {
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
}

// existingContextTurns bounds the known-context block handed to the
// extraction prompt.
const existingContextTurns = 6

// Extractor turns dialogue into candidate memories via the completion
// capability. Transport and parse failures yield an empty extraction
// list; callers proceed.
type Extractor struct {
	completer    llm.Completer
	cfg          config.CaptureConfig
	skipPatterns []*regexp.Regexp
	logger       *log.Logger
}

// NewExtractor creates an extractor. Malformed user skip patterns are
// silently ignored.
func NewExtractor(completer llm.Completer, cfg config.CaptureConfig, logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{
		completer:    completer,
		cfg:          cfg,
		skipPatterns: compileSkipPatterns(cfg.SkipPatterns),
		logger:       logger.WithPrefix("tinmem.extractor"),
	}
}

// ExtractTurn produces candidates from a single exchange. The noise gate
// applies only here: noisy or too-short turns skip the LLM entirely.
func (e *Extractor) ExtractTurn(ctx context.Context, userMessage, assistantResponse string, existing []Turn) []types.ExtractedMemory {
	if e.shouldSkipTurn(userMessage, assistantResponse) {
		return nil
	}

	messages := []llm.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: extractionTurnPrompt(userMessage, assistantResponse,
			trimContext(existing, existingContextTurns))},
	}
	return e.complete(ctx, messages)
}

// ExtractSession produces candidates from a full conversation history.
func (e *Extractor) ExtractSession(ctx context.Context, history []Turn) []types.ExtractedMemory {
	if len(history) == 0 {
		return nil
	}
	messages := []llm.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: extractionSessionPrompt(history)},
	}
	return e.complete(ctx, messages)
}

// ExtractText produces candidates from a free-text blob.
func (e *Extractor) ExtractText(ctx context.Context, text string) []types.ExtractedMemory {
	if text == "" {
		return nil
	}
	messages := []llm.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: extractionTextPrompt(text)},
	}
	return e.complete(ctx, messages)
}

// shouldSkipTurn applies the per-turn noise gate.
func (e *Extractor) shouldSkipTurn(userMessage, assistantResponse string) bool {
	if e.cfg.NoiseFilter && IsNoise(userMessage) {
		return true
	}
	if len(userMessage)+len(assistantResponse) < 2*e.cfg.MinContentLength {
		return true
	}
	for _, p := range e.skipPatterns {
		if p.MatchString(userMessage) {
			return true
		}
	}
	return false
}

func (e *Extractor) complete(ctx context.Context, messages []llm.Message) []types.ExtractedMemory {
	raw, err := e.completer.Complete(ctx, messages, true)
	if err != nil {
		e.logger.Debug("extraction call failed", "err", err)
		return nil
	}
	return ParseExtraction(raw)
}

// rawExtraction is the wire shape of one extracted memory before
// validation.
type rawExtraction struct {
	Headline   string         `json:"headline"`
	Summary    string         `json:"summary"`
	Content    string         `json:"content"`
	Category   string         `json:"category"`
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
}

// ParseExtraction parses LLM extraction output defensively: fence markers
// are stripped, a top-level array or an object wrapping one is accepted,
// and malformed items are silently dropped.
func ParseExtraction(raw string) []types.ExtractedMemory {
	clean := llm.ExtractJSON(raw)

	var items []rawExtraction
	if err := json.Unmarshal([]byte(clean), &items); err != nil {
		// Accept an object containing the array under a conventional key.
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal([]byte(clean), &wrapper); err != nil {
			return nil
		}
		for _, key := range []string{"memories", "items", "results"} {
			if inner, ok := wrapper[key]; ok {
				if err := json.Unmarshal(inner, &items); err == nil {
					break
				}
			}
		}
	}

	out := make([]types.ExtractedMemory, 0, len(items))
	for _, item := range items {
		em, ok := types.NewExtractedMemory(item.Headline, item.Summary, item.Content,
			types.Category(item.Category), item.Importance, item.Tags, item.Metadata)
		if !ok {
			continue
		}
		out = append(out, em)
	}
	return out
}
