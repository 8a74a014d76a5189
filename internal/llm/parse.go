package llm

import "strings"

// ExtractJSON pulls the first complete JSON object or array out of text
// that may carry markdown fences or prose around it. LLMs add explanations
// before and after the JSON despite instructions, so parsers run every
// response through this first. When no complete value is found the input
// is returned as-is and the caller's json.Unmarshal reports the failure.
func ExtractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')

	start := objStart
	if start == -1 || (arrStart != -1 && arrStart < start) {
		start = arrStart
	}
	if start == -1 {
		return text
	}

	open := text[start]
	var closing byte = '}'
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 && ch == closing {
				return text[start : i+1]
			}
		}
	}
	return text
}
