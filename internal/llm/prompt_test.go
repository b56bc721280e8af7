package llm

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-batcher/internal/model"
)

func TestBuildCombinedPrompt(t *testing.T) {
	got := buildCombinedPrompt(model.PriorityHigh,
		[]string{"What is Go?", "What is Rust?"},
		[]string{"req-1", "req-2"},
	)

	if !strings.HasPrefix(got, "Keep each answer VERY brief (1-3 sentences max).") {
		t.Error("HIGH prompt must start with the brief style directive")
	}
	for _, want := range []string{
		"Index 0 (request_id: req-1): What is Go?",
		"Index 1 (request_id: req-2): What is Rust?",
		`Each array element must have "index" (number) and "response" (string)`,
		`[{"index": 0, "response": "Your answer here"}, {"index": 1, "response": "Another answer"}]`,
		"Remember: Return ONLY the JSON array, nothing else.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("combined prompt missing %q", want)
		}
	}
}

func TestStyleDirectivePerPriority(t *testing.T) {
	for _, c := range []struct {
		p    model.Priority
		want string
	}{
		{model.PriorityHigh, "VERY brief"},
		{model.PriorityMedium, "moderately detailed"},
		{model.PriorityLow, "comprehensive"},
	} {
		got := buildCombinedPrompt(c.p, []string{"q"}, []string{"r"})
		if !strings.Contains(got, c.want) {
			t.Errorf("%v prompt missing %q", c.p, c.want)
		}
	}
}
