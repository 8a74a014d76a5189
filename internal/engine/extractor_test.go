package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tincomking/openclaw-tinmem/internal/config"
	"github.com/tincomking/openclaw-tinmem/internal/llm"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

func captureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		Auto:             true,
		NoiseFilter:      true,
		MinContentLength: 20,
	}
}

const extractionJSON = `[
  {
    "headline": "User is a senior TypeScript developer",
    "summary": "The user works as a senior TypeScript developer with five years of experience.",
    "content": "The user said they are a senior TypeScript developer with 5 years of experience.",
    "category": "profile",
    "importance": 0.9,
    "tags": ["typescript", "developer"]
  }
]`

func TestExtractTurn(t *testing.T) {
	mock := llm.NewMockCompleter(extractionJSON)
	e := NewExtractor(mock, captureConfig(), nil)

	got := e.ExtractTurn(context.Background(),
		"I'm a senior TypeScript developer with 5 years of experience.",
		"Great, noted! What are you working on these days?", nil)

	require.Len(t, got, 1)
	assert.Equal(t, types.CategoryProfile, got[0].Category)
	assert.Equal(t, 0.9, got[0].Importance)
	assert.Equal(t, []string{"typescript", "developer"}, got[0].Tags)
	assert.Equal(t, 1, mock.Calls())
}

func TestNoiseGateSkipsLLM(t *testing.T) {
	mock := llm.NewMockCompleter(extractionJSON)
	e := NewExtractor(mock, captureConfig(), nil)

	for _, msg := range []string{"hi", "thanks!", "ok"} {
		got := e.ExtractTurn(context.Background(), msg,
			"You're welcome! Anything else I can help with today?", nil)
		assert.Empty(t, got, "noise message %q must extract nothing", msg)
	}
	assert.Equal(t, 0, mock.Calls(), "noise gate must not reach the LLM")
}

func TestShortTurnSkipsLLM(t *testing.T) {
	mock := llm.NewMockCompleter(extractionJSON)
	e := NewExtractor(mock, captureConfig(), nil)

	got := e.ExtractTurn(context.Background(), "deploy now", "done", nil)
	assert.Empty(t, got)
	assert.Equal(t, 0, mock.Calls())
}

func TestSkipPatternsApply(t *testing.T) {
	cfg := captureConfig()
	cfg.SkipPatterns = []string{`(?i)^off the record`, `[`} // second is malformed, ignored
	mock := llm.NewMockCompleter(extractionJSON)
	e := NewExtractor(mock, cfg, nil)

	got := e.ExtractTurn(context.Background(),
		"Off the record, I am thinking about changing jobs soon.",
		"Understood, I will keep that between us for now.", nil)
	assert.Empty(t, got)
	assert.Equal(t, 0, mock.Calls())
}

func TestTransportFailureYieldsEmpty(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Err = errors.New("connection refused")
	e := NewExtractor(mock, captureConfig(), nil)

	got := e.ExtractTurn(context.Background(),
		"I am a senior TypeScript developer with years of experience.",
		"Noted, that is useful background for our future sessions.", nil)
	assert.Empty(t, got)
}

func TestParseExtractionDefensive(t *testing.T) {
	t.Run("fenced array", func(t *testing.T) {
		got := ParseExtraction("```json\n" + extractionJSON + "\n```")
		assert.Len(t, got, 1)
	})

	t.Run("object wrapper", func(t *testing.T) {
		got := ParseExtraction(`{"memories": ` + extractionJSON + `}`)
		assert.Len(t, got, 1)
	})

	t.Run("drops items missing required fields", func(t *testing.T) {
		got := ParseExtraction(`[
			{"headline": "h", "summary": "s", "content": "c", "category": "profile", "importance": 0.5},
			{"headline": "", "summary": "s", "content": "c", "category": "profile"},
			{"headline": "h", "summary": "s", "content": "c", "category": "made-up"}
		]`)
		assert.Len(t, got, 1)
	})

	t.Run("clamps importance and defaults tags", func(t *testing.T) {
		got := ParseExtraction(`[{"headline": "h", "summary": "s", "content": "c",
			"category": "events", "importance": 7}]`)
		assert.Len(t, got, 1)
		assert.Equal(t, 1.0, got[0].Importance)
		assert.NotNil(t, got[0].Tags)
		assert.NotNil(t, got[0].Metadata)
	})

	t.Run("garbage yields empty", func(t *testing.T) {
		assert.Empty(t, ParseExtraction("sorry, I cannot help with that"))
		assert.Empty(t, ParseExtraction(""))
	})
}

func TestExtractSession(t *testing.T) {
	mock := llm.NewMockCompleter(extractionJSON)
	e := NewExtractor(mock, captureConfig(), nil)

	history := []Turn{
		{UserMessage: "I prefer tabs over spaces.", AssistantResponse: "Noted."},
		{UserMessage: "And dark mode always.", AssistantResponse: "Got it."},
	}
	got := e.ExtractSession(context.Background(), history)
	assert.Len(t, got, 1)

	assert.Empty(t, e.ExtractSession(context.Background(), nil))
}
