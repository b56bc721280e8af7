// Package llm multiplexes N same-priority prompts over one upstream
// generation call and splits the structured reply back into per-request
// answers.
//
// Key design constraints:
//   - One upstream call per batch, no retries. Vendor/SDK failures surface
//     as *UpstreamError and abort the whole batch.
//   - A 2xx reply that cannot be parsed does NOT abort: every unrecovered
//     position gets a sentinel answer so downstream can still complete.
//   - Generate is blocking I/O; callers run it off the dispatcher goroutine.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-batcher/internal/model"
	"github.com/nulpointcorp/llm-batcher/internal/settings"
	"github.com/nulpointcorp/llm-batcher/internal/upstream"
)

// maxTotalBudget caps the combined output-token budget for one call.
const maxTotalBudget = 32768

// UpstreamError wraps a vendor or SDK failure. The batch processor
// propagates it to every request in the batch.
type UpstreamError struct {
	Backend string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm: upstream %s: %v", e.Backend, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Factory builds an upstream client for the given API key. The gateway
// calls it again whenever the effective key changes.
type Factory func(ctx context.Context, apiKey string) (upstream.Client, error)

// Gateway is the LLM fan-in/fan-out component.
type Gateway struct {
	factory    Factory
	settings   *settings.Store
	defaultKey string
	log        *slog.Logger
	wireLog    *WireLog

	// Current client and the key it was built with. Rebuilt under mu when
	// the settings-store key changes; concurrent callers may briefly use a
	// client built from the previous key, which is harmless (idempotent
	// re-init, same vendor).
	mu        sync.Mutex
	client    upstream.Client
	clientKey string
}

// Options holds the optional Gateway collaborators.
type Options struct {
	// WireLog receives the combined request/reply pairs. Nil disables it.
	WireLog *WireLog
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a Gateway. factory must not be nil; defaultKey is used when
// the settings store has no key.
func New(factory Factory, st *settings.Store, defaultKey string, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		factory:    factory,
		settings:   st,
		defaultKey: defaultKey,
		log:        log,
		wireLog:    opts.WireLog,
	}
}

// GenerateBatch sends all prompts in one combined upstream call and splits
// the reply by position. The returned Results slice always has one item per
// input position, in position order — unparseable positions carry a sentinel
// answer. Only an upstream failure returns an error.
func (g *Gateway) GenerateBatch(
	ctx context.Context,
	prompts []string,
	priority model.Priority,
	requestIDs []string,
) (*model.BatchedResponse, error) {
	n := len(prompts)
	if n == 0 {
		return &model.BatchedResponse{}, nil
	}
	if len(requestIDs) != n {
		return nil, fmt.Errorf("llm: %d prompts but %d request ids", n, len(requestIDs))
	}

	th := g.settings.Thresholds(priority)

	// Combined budget for all answers plus JSON structure overhead. The
	// 1.5x factor and +500 absorb escaping and reduce truncation.
	budget := int(math.Ceil(float64(th.Tokens)*float64(n)*1.5)) + 500
	if budget > maxTotalBudget {
		budget = maxTotalBudget
	}

	combined := buildCombinedPrompt(priority, prompts, requestIDs)

	client, err := g.currentClient(ctx)
	if err != nil {
		return nil, &UpstreamError{Backend: "init", Err: err}
	}

	g.log.Info("sending combined request",
		slog.Int("prompts", n),
		slog.String("priority", priority.String()),
		slog.String("backend", client.Name()),
		slog.Int("max_output_tokens", budget),
	)

	start := time.Now()
	resp, err := client.Generate(ctx, &upstream.GenerateRequest{
		Prompt:          combined,
		MaxOutputTokens: budget,
		Temperature:     priority.Temperature(),
	})
	elapsed := time.Since(start)

	if err != nil {
		return nil, &UpstreamError{Backend: client.Name(), Err: err}
	}

	replyText := resp.Text
	if g.wireLog != nil {
		logged := replyText
		if logged == "" {
			logged = "(empty response)"
		}
		g.wireLog.Append(combined, logged)
	}

	parsed := parseBatchReply(replyText, n, requestIDs, g.log)

	// Even token split, remainder biased to low indices. Observable:
	// tests depend on this distribution.
	base := resp.TotalTokens / n
	remainder := resp.TotalTokens - base*n

	results := make([]model.BatchedItem, n)
	for i := 0; i < n; i++ {
		text, ok := parsed[i]
		if !ok {
			text = fmt.Sprintf("[Error: failed to parse response for request %s. Check logs.]", requestIDs[i])
		}
		tokens := base
		if i < remainder {
			tokens++
		}
		results[i] = model.BatchedItem{Index: i, Text: text, TokensUsed: tokens}
	}

	g.log.Info("combined reply split",
		slog.Int("results", n),
		slog.Int("recovered", len(parsed)),
		slog.Int("total_tokens", resp.TotalTokens),
		slog.Duration("elapsed", elapsed),
	)

	return &model.BatchedResponse{
		Results:        results,
		ModelLatencyMs: float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

// currentClient returns the upstream client for the effective API key,
// rebuilding it when the settings store changed the key.
func (g *Gateway) currentClient(ctx context.Context) (upstream.Client, error) {
	key := g.settings.APIKey()
	if key == "" {
		key = g.defaultKey
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil && g.clientKey == key {
		return g.client, nil
	}

	client, err := g.factory(ctx, key)
	if err != nil {
		return nil, err
	}
	if g.client != nil {
		g.log.Info("upstream client rebuilt after key change", slog.String("backend", client.Name()))
	}
	g.client = client
	g.clientKey = key
	return client, nil
}
