package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Priority selects the queue lane for a request and, through the lookup
// methods below, the upstream token budget, answer style, and sampling
// temperature. Higher rank means faster, shorter answers.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "MEDIUM"
	}
}

// MaxTokens is the default per-answer output token budget. The settings
// store may override it at runtime; this is the fallback.
func (p Priority) MaxTokens() int {
	switch p {
	case PriorityHigh:
		return 512
	case PriorityLow:
		return 2048
	default:
		return 1024
	}
}

// LatencyMs is the default client-visible latency target in milliseconds.
// Only surfaced to the HTTP layer for its await timeout; the dispatcher
// does not use it.
func (p Priority) LatencyMs() float64 {
	switch p {
	case PriorityHigh:
		return 100
	case PriorityLow:
		return 300
	default:
		return 200
	}
}

// StyleInstruction is the answer-style directive placed at the top of the
// combined prompt.
func (p Priority) StyleInstruction() string {
	switch p {
	case PriorityHigh:
		return "Keep each answer VERY brief (1-3 sentences max)."
	case PriorityLow:
		return "Provide detailed, comprehensive answers with explanations."
	default:
		return "Keep each answer moderately detailed (2-5 sentences)."
	}
}

// Temperature is the upstream sampling temperature. Lower values improve
// JSON format compliance on short answers.
func (p Priority) Temperature() float32 {
	switch p {
	case PriorityHigh:
		return 0.3
	case PriorityLow:
		return 0.7
	default:
		return 0.5
	}
}

// Window is the maximum age of a lane's head before it must dispatch.
func (p Priority) Window() time.Duration {
	switch p {
	case PriorityHigh:
		return 200 * time.Millisecond
	case PriorityLow:
		return 4 * time.Second
	default:
		return time.Second
	}
}

// MaxBatch is the maximum number of requests drained into one batch.
func (p Priority) MaxBatch() int {
	if p == PriorityHigh {
		return 6
	}
	return 4
}

// Priorities lists all lanes in dispatch-check order (HIGH first).
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityMedium, PriorityLow}
}

// ParsePriority canonicalizes an external priority value. Accepts the name
// in any case ("high") or the numeric rank ("2"). Unknown values map to
// MEDIUM — only the enum exists past the HTTP boundary.
func ParsePriority(raw string) Priority {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "HIGH", "2":
		return PriorityHigh
	case "LOW", "0":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// MarshalJSON encodes the priority as its name string.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a name string or a numeric rank.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParsePriority(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*p = ParsePriority(strconv.Itoa(int(n)))
		return nil
	}
	return fmt.Errorf("model: invalid priority %s", data)
}
