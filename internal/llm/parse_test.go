package llm

import "testing"

func TestExtractJSONStripsFences(t *testing.T) {
	in := "```json\n{\"a\": 1}\n```"
	if got := ExtractJSON(in); got != `{"a": 1}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSONIgnoresSurroundingProse(t *testing.T) {
	in := `Here you go:
{"decision": "merge", "target_id": "x"}
Hope that helps!`
	want := `{"decision": "merge", "target_id": "x"}`
	if got := ExtractJSON(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractJSONTopLevelArray(t *testing.T) {
	in := `Sure: [{"headline": "h"}, {"headline": "i"}] done`
	want := `[{"headline": "h"}, {"headline": "i"}]`
	if got := ExtractJSON(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	in := `{"text": "a } inside \" and { too"}`
	if got := ExtractJSON(in); got != in {
		t.Errorf("got %q, want input unchanged", got)
	}
}

func TestExtractJSONNoJSON(t *testing.T) {
	in := "no structured output at all"
	if got := ExtractJSON(in); got != in {
		t.Errorf("got %q, want input passthrough", got)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]Message{
		{Role: "system", Content: "contract"},
		{Role: "user", Content: "hi"},
	})
	if system != "contract" || len(rest) != 1 {
		t.Errorf("got system %q, %d rest", system, len(rest))
	}

	system, rest = SplitSystem([]Message{{Role: "user", Content: "hi"}})
	if system != "" || len(rest) != 1 {
		t.Error("no system message must pass through")
	}
}
