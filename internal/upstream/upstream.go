// Package upstream defines the vendor-neutral interface to the external LLM
// generation service. One combined prompt goes up per call; the raw reply
// text and the total token count come back. Parsing the multi-answer reply
// is the llm package's job, not the backend's.
package upstream

import (
	"context"
	"time"
)

// CallTimeout is the per-call HTTP timeout applied by all backends.
const CallTimeout = 120 * time.Second

// GenerateRequest is one combined-prompt generation call.
type GenerateRequest struct {
	Prompt          string
	MaxOutputTokens int
	Temperature     float32
}

// GenerateResponse is the raw upstream reply.
type GenerateResponse struct {
	// Text is the full reply payload, whitespace-trimmed.
	Text string
	// TotalTokens is the vendor-reported total token usage for the call
	// (prompt plus completion). Zero when the vendor omits usage metadata.
	TotalTokens int
}

// Client is a single-vendor generation backend. Generate is synchronous
// blocking I/O — callers must not invoke it from the dispatcher goroutine.
type Client interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// StatusCoder is implemented by backend errors that carry an upstream HTTP
// status, letting the API layer map auth/quota failures faithfully.
type StatusCoder interface{ HTTPStatus() int }
