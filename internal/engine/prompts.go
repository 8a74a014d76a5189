package engine

import (
	"fmt"
	"strings"

	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// extractionSystemPrompt describes the extraction contract: six
// categories, three abstraction levels, the importance scale, tagging,
// and JSON-array output.
const extractionSystemPrompt = `You distil conversation turns into durable long-term memories for an assistant.

OUTPUT: ONLY a valid JSON array. NO markdown. NO code blocks. NO prose.
Return [] when nothing is worth remembering.

Each memory object MUST have exactly these fields:
  "headline":   string, at most 15 words, the memory at a glance
  "summary":    string, 2-4 sentences
  "content":    string, the full narrative with every relevant detail
  "category":   one of "profile", "preferences", "entities", "events", "cases", "patterns"
  "importance": number 0.0-1.0 (0.9+ identity-level facts, 0.7+ durable preferences,
                0.5 useful context, below 0.3 rarely worth keeping)
  "tags":       array of short lowercase strings

CATEGORIES:
- profile: durable facts about the user (role, skills, background)
- preferences: likes, dislikes, settings, working style
- entities: people, projects, tools, and things in the user's world
- events: things that happened at a point in time
- cases: problem/solution episodes worth recalling later
- patterns: recurring behaviours and habits

RULES:
1. Extract only durable information. Skip pleasantries and one-off trivia.
2. Each memory must stand alone without the conversation.
3. Do not re-emit facts already present in the known-context block.
4. Prefer fewer, richer memories over many fragments.`

// extractionTurnPrompt builds the user prompt for a single dialogue turn.
func extractionTurnPrompt(userMessage, assistantResponse, existingContext string) string {
	var b strings.Builder
	if existingContext != "" {
		b.WriteString("Known context (do not re-extract):\n")
		b.WriteString(existingContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Extract memories from this exchange:\n\n")
	b.WriteString("User: " + userMessage + "\n")
	b.WriteString("Assistant: " + assistantResponse + "\n")
	return b.String()
}

// extractionSessionPrompt builds the user prompt for a whole conversation.
func extractionSessionPrompt(history []Turn) string {
	var b strings.Builder
	b.WriteString("Extract memories from this conversation:\n\n")
	for _, t := range history {
		b.WriteString("User: " + t.UserMessage + "\n")
		b.WriteString("Assistant: " + t.AssistantResponse + "\n\n")
	}
	return b.String()
}

// extractionTextPrompt builds the user prompt for a free-text blob.
func extractionTextPrompt(text string) string {
	return "Extract memories from this text:\n\n" + text
}

// dedupSystemPrompt describes the deduplication decision contract.
const dedupSystemPrompt = `You decide whether a new memory duplicates existing ones.

OUTPUT: ONLY a valid JSON object. NO markdown. NO prose.

The object MUST have:
  "decision":  "create" | "merge" | "skip"
  "target_id": string, required when decision is "merge" (id of the memory to merge into)
  "headline":  string, required for "merge": the merged headline
  "summary":   string, required for "merge": the merged summary
  "content":   string, required for "merge": the merged content
  "tags":      array of strings, required for "merge": the merged tag set

Choose "skip" only when the new memory adds nothing to an existing one.
Choose "merge" when it refines or extends an existing memory.
Choose "create" when it is genuinely new information.`

// dedupPrompt builds the user prompt for an LLM dedup decision.
func dedupPrompt(candidate *types.ExtractedMemory, similar []types.ScoredMemory) string {
	var b strings.Builder
	b.WriteString("New memory:\n")
	fmt.Fprintf(&b, "  headline: %s\n  summary: %s\n  content: %s\n  tags: %s\n\n",
		candidate.Headline, candidate.Summary, candidate.Content, strings.Join(candidate.Tags, ", "))

	b.WriteString("Existing similar memories:\n")
	for _, m := range similar {
		fmt.Fprintf(&b, "- id: %s (similarity %.2f)\n  headline: %s\n  summary: %s\n  tags: %s\n",
			m.ID, m.VectorScore, m.Headline, m.Summary, strings.Join(m.Tags, ", "))
	}
	return b.String()
}

// trimContext keeps the last maxTurns turns of a history as the
// known-context block handed to the extraction prompt.
func trimContext(history []Turn, maxTurns int) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	var b strings.Builder
	for _, t := range history {
		b.WriteString("User: " + t.UserMessage + "\n")
		b.WriteString("Assistant: " + t.AssistantResponse + "\n")
	}
	return b.String()
}
