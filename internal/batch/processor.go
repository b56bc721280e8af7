// Package batch turns a dispatched lane batch into settled per-request
// answers: one combined upstream call, then fan-out to handles, history,
// logs, and metrics.
//
// Process never returns an error and never panics the caller. An upstream
// failure fails every still-waiting handle in the batch; everything past the
// handle settle (history, logs, metrics) is best-effort.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-batcher/internal/chatstore"
	"github.com/nulpointcorp/llm-batcher/internal/logger"
	"github.com/nulpointcorp/llm-batcher/internal/metrics"
	"github.com/nulpointcorp/llm-batcher/internal/model"
	"github.com/nulpointcorp/llm-batcher/internal/queue"
	"github.com/nulpointcorp/llm-batcher/internal/upstream"
)

// Generator is the combined-call surface of the LLM gateway.
type Generator interface {
	GenerateBatch(ctx context.Context, prompts []string, priority model.Priority, requestIDs []string) (*model.BatchedResponse, error)
}

// Processor implements queue.Processor.
type Processor struct {
	gw          Generator
	store       chatstore.Store
	completions *logger.Logger
	reqLog      *ReqLog
	metrics     *metrics.Registry
	log         *slog.Logger
	backend     string
}

// Options holds the optional Processor collaborators. Only the Generator is
// required; everything else is nil-safe.
type Options struct {
	Store       chatstore.Store
	Completions *logger.Logger
	ReqLog      *ReqLog
	Metrics     *metrics.Registry
	Logger      *slog.Logger
	// Backend labels upstream metrics (the configured provider name).
	Backend string
}

// New creates a Processor around gw.
func New(gw Generator, opts Options) *Processor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	backend := opts.Backend
	if backend == "" {
		backend = "default"
	}
	return &Processor{
		gw:          gw,
		store:       opts.Store,
		completions: opts.Completions,
		reqLog:      opts.ReqLog,
		metrics:     opts.Metrics,
		log:         log,
		backend:     backend,
	}
}

// Process runs one batch to completion. All items share a lane; the batch
// gets one ID so history and analytics can group the requests that rode the
// same upstream call.
func (p *Processor) Process(ctx context.Context, items []*queue.Item) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("batch processor panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			for _, it := range items {
				it.Handle.Fail(fmt.Errorf("batch: processor panic: %v", r))
			}
		}
	}()

	if len(items) == 0 {
		return
	}

	batchID := uuid.NewString()
	priority := items[0].Request.Priority

	prompts := make([]string, len(items))
	ids := make([]string, len(items))
	for i, it := range items {
		prompts[i] = it.Request.Prompt
		ids[i] = it.Request.RequestID
	}

	log := p.log.With(
		slog.String("batch_id", batchID),
		slog.String("lane", priority.String()),
		slog.Int("size", len(items)),
	)

	start := time.Now()
	resp, err := p.gw.GenerateBatch(ctx, prompts, priority, ids)
	elapsed := time.Since(start)

	if err != nil {
		log.Error("batch upstream call failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		if p.metrics != nil {
			p.metrics.ObserveUpstreamCall(p.backend, upstreamOutcome(err), elapsed)
		}
		for _, it := range items {
			if it.Handle.Fail(err) {
				p.record(it, batchID, "upstream_error", 0, 0)
			}
		}
		return
	}

	if p.metrics != nil {
		p.metrics.ObserveUpstreamCall(p.backend, "ok", elapsed)
	}

	completedAt := time.Now().UTC()
	entries := make([]chatstore.Entry, 0, len(items))
	delivered, abandoned := 0, 0

	for i, it := range items {
		res := resp.Results[i]
		latency := completedAt.Sub(it.Request.CreatedAt)
		latencyMs := float64(latency.Microseconds()) / 1000.0

		gr := &model.GenerationResponse{
			RequestID:   it.Request.RequestID,
			Username:    it.Request.Username,
			Text:        res.Text,
			TokensUsed:  res.TokensUsed,
			LatencyMs:   latencyMs,
			CreatedAt:   it.Request.CreatedAt,
			CompletedAt: completedAt,
		}

		// History, logs, and token accounting cover every answered item;
		// abandonment only changes whether anyone reads the answer.
		entries = append(entries, chatstore.Entry{
			Username:    it.Request.Username,
			RequestID:   it.Request.RequestID,
			Prompt:      it.Request.Prompt,
			Response:    res.Text,
			Priority:    priority,
			TokensUsed:  res.TokensUsed,
			LatencyMs:   latencyMs,
			BatchID:     batchID,
			CreatedAt:   it.Request.CreatedAt,
			CompletedAt: completedAt,
		})

		if p.reqLog != nil {
			p.reqLog.Append(it.Request.RequestID, it.Request.Username,
				it.Request.Prompt, res.Text, res.TokensUsed, latencyMs)
		}
		if p.metrics != nil {
			p.metrics.AddTokens(priority.String(), res.TokensUsed)
			p.metrics.ObserveRequestLatency(priority.String(), latency)
		}

		if !it.Handle.Complete(gr) {
			// Client gave up while the batch was in flight.
			abandoned++
			p.record(it, batchID, "abandoned", res.TokensUsed, latencyMs)
			continue
		}
		delivered++
		p.record(it, batchID, "completed", res.TokensUsed, latencyMs)
	}

	if p.store != nil && len(entries) > 0 {
		if err := p.store.Append(ctx, entries); err != nil {
			log.Warn("chat history append failed", slog.String("error", err.Error()))
			if p.metrics != nil {
				p.metrics.RecordStoreOp("append", "error")
			}
		} else if p.metrics != nil {
			p.metrics.RecordStoreOp("append", "ok")
		}
	}

	log.Info("batch completed",
		slog.Int("delivered", delivered),
		slog.Int("abandoned", abandoned),
		slog.Float64("model_latency_ms", resp.ModelLatencyMs),
	)
}

// upstreamOutcome labels a failed combined call for the metrics counter.
// Vendor rate limits get their own label so throttling is visible without
// log diving.
func upstreamOutcome(err error) string {
	var sc upstream.StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests {
		return "rate_limited"
	}
	return "error"
}

// record writes one completion record to the async logger.
func (p *Processor) record(it *queue.Item, batchID, outcome string, tokens int, latencyMs float64) {
	if p.completions == nil {
		return
	}
	p.completions.Log(logger.Record{
		RequestID:  it.Request.RequestID,
		Username:   it.Request.Username,
		BatchID:    batchID,
		Lane:       it.Request.Priority.String(),
		Outcome:    outcome,
		TokensUsed: tokens,
		LatencyMs:  latencyMs,
		CreatedAt:  it.Request.CreatedAt,
	})
}
