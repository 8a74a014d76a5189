package engine

import (
	"strings"

	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// categoryOrder is the order in which category groups are emitted in
// assembled context blocks.
var categoryOrder = []types.Category{
	types.CategoryProfile,
	types.CategoryPreferences,
	types.CategoryEntities,
	types.CategoryEvents,
	types.CategoryCases,
	types.CategoryPatterns,
}

var categoryHeadings = map[types.Category]string{
	types.CategoryProfile:     "About the user",
	types.CategoryPreferences: "Preferences",
	types.CategoryEntities:    "People, projects, and things",
	types.CategoryEvents:      "Recent events",
	types.CategoryCases:       "Past cases",
	types.CategoryPatterns:    "Patterns",
}

// BuildContextBlock projects a ranked result set into a single text block:
// memories grouped by category, one bullet per memory at the requested
// abstraction level, wrapped in delimiter markers. Stored text passes
// through SanitizeMarkup so no memory can close the surrounding block.
func BuildContextBlock(memories []types.ScoredMemory, level types.Level) string {
	if len(memories) == 0 {
		return ""
	}

	grouped := make(map[types.Category][]types.ScoredMemory)
	for _, m := range memories {
		grouped[m.Category] = append(grouped[m.Category], m)
	}

	var b strings.Builder
	b.WriteString("<memory-context>\n")
	for _, cat := range categoryOrder {
		group := grouped[cat]
		if len(group) == 0 {
			continue
		}
		b.WriteString("## " + categoryHeadings[cat] + "\n")
		for _, m := range group {
			b.WriteString("- " + SanitizeMarkup(levelText(&m.Memory, level)) + "\n")
		}
	}
	b.WriteString("</memory-context>")
	return b.String()
}

func levelText(m *types.Memory, level types.Level) string {
	switch level {
	case types.LevelHeadline:
		return m.Headline
	case types.LevelContent:
		return m.Content
	default:
		return m.Summary
	}
}

// SanitizeMarkup neutralises angle-bracket markup inside stored text:
// every '<' immediately followed by an optional '/' and a letter becomes
// '<' plus a space plus the same suffix. Plain '<' in arithmetic-like
// contexts is left untouched. The transformation is idempotent because
// the inserted space stops the pattern from matching again.
func SanitizeMarkup(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); i++ {
		ch := text[i]
		b.WriteByte(ch)
		if ch != '<' {
			continue
		}
		j := i + 1
		if j < len(text) && text[j] == '/' {
			j++
		}
		if j < len(text) && isLetter(text[j]) {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
