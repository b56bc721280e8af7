package llm

import (
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-batcher/internal/model"
)

// promptTemplate is the wire format of the combined prompt. %s slots are the
// priority style directive and the numbered questions block. The formatting
// rules are deliberately repetitive — the upstream is a stochastic model and
// single-statement instructions get ignored non-trivially often.
const promptTemplate = `%s

Answer each question below. You MUST return ONLY a valid JSON array with no other text.

CRITICAL FORMATTING RULES:
1. Return ONLY the JSON array - no markdown, no code blocks, no explanations
2. Each array element must have "index" (number) and "response" (string)
3. Escape all special characters in your responses (quotes, newlines, etc.)
4. Keep responses as single-line strings (replace actual newlines with \n)
5. Do not include any text before or after the JSON array

Example format (follow this EXACTLY):
[{"index": 0, "response": "Your answer here"}, {"index": 1, "response": "Another answer"}]

Questions:
%s

Remember: Return ONLY the JSON array, nothing else.`

// buildCombinedPrompt multiplexes N questions into the single upstream
// payload. Position i in prompts is the authoritative index; the request ID
// is included so per-question problems can be traced in the wire log.
func buildCombinedPrompt(p model.Priority, prompts, requestIDs []string) string {
	lines := make([]string, len(prompts))
	for i, q := range prompts {
		lines[i] = fmt.Sprintf("Index %d (request_id: %s): %s", i, requestIDs[i], q)
	}
	return fmt.Sprintf(promptTemplate, p.StyleInstruction(), strings.Join(lines, "\n"))
}
