package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-batcher/internal/chatstore"
	"github.com/nulpointcorp/llm-batcher/internal/model"
	"github.com/nulpointcorp/llm-batcher/pkg/apierr"
)

// queryWaitBuffer pads the per-lane latency target to cover queueing plus
// the upstream call before a waiting client is timed out.
const queryWaitBuffer = 30 * time.Second

// handleQuery parks the request on its priority lane, waits for the batch
// that carries it, and streams the answer back word by word as SSE.
func (s *Server) handleQuery(ctx *fasthttp.RequestCtx) {
	// Pre-seed the default so a body without "priority" lands on MEDIUM.
	req := model.GenerationRequest{Priority: model.PriorityMedium}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if req.Username == "" || req.RequestID == "" || strings.TrimSpace(req.Prompt) == "" {
		apierr.WriteInvalidRequest(ctx, "username, request_id and prompt are required")
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	th := s.settings.Thresholds(req.Priority)
	timeout := time.Duration(th.LatencyMs)*time.Millisecond + s.waitBuffer

	handle := s.queue.Enqueue(req)

	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Once the request is enqueued the response is always a 200 event
	// stream; failures surface as an in-stream "error" chunk, which is
	// what the front-end's line scanner looks for.
	resp, err := handle.Wait(waitCtx)
	if err != nil {
		s.streamError(ctx, req.RequestID, timeout, err)
		return
	}

	s.streamResponse(ctx, resp)
}

// streamError delivers an await failure as the stream's only chunk.
func (s *Server) streamError(ctx *fasthttp.RequestCtx, requestID string, timeout time.Duration, err error) {
	s.log.Warn("query failed",
		slog.String("request_id", requestID),
		slog.String("error", err.Error()),
	)

	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("Request timed out after %gs. Please try again.", timeout.Seconds())
	}

	setStreamHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		writeSSE(w, map[string]any{"type": "error", "message": msg})
		_ = w.Flush()
	})
}

// streamResponse writes the answer as text/event-stream: one "text" chunk
// per word, paced for a typing effect, then a final "done" chunk carrying
// the request metadata.
func (s *Server) streamResponse(ctx *fasthttp.RequestCtx, resp *model.GenerationResponse) {
	setStreamHeaders(ctx)

	delay := s.wordDelay
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		words := strings.Fields(resp.Text)
		for i, word := range words {
			content := word
			if i < len(words)-1 {
				content += " "
			}
			writeSSE(w, map[string]any{"type": "text", "content": content})
			if err := w.Flush(); err != nil {
				return // client went away
			}
			time.Sleep(delay)
		}

		writeSSE(w, map[string]any{
			"type":         "done",
			"request_id":   resp.RequestID,
			"username":     resp.Username,
			"tokens_used":  resp.TokensUsed,
			"latency_ms":   resp.LatencyMs,
			"created_at":   resp.CreatedAt.UTC().Format(time.RFC3339Nano),
			"completed_at": resp.CompletedAt.UTC().Format(time.RFC3339Nano),
		})
		_ = w.Flush()
	})
}

func setStreamHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
}

func writeSSE(w *bufio.Writer, chunk map[string]any) {
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleChat returns the full stored history.
func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	entries, err := s.listHistory(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to read chat history",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if entries == nil {
		entries = []chatstore.Entry{}
	}
	writeJSON(ctx, map[string]any{"chats": entries, "count": len(entries)})
}

// handleGetSettings returns the current runtime settings, API key masked.
func (s *Server) handleGetSettings(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.settings.Snapshot())
}

// handlePutSettings applies a partial settings update and returns the result.
func (s *Server) handlePutSettings(ctx *fasthttp.RequestCtx) {
	var upd model.SettingsUpdate
	if err := json.Unmarshal(ctx.PostBody(), &upd); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	snap, err := s.settings.Update(upd)
	if err != nil {
		s.log.Error("settings update failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to persist settings",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, snap)
}

// handleAnalytics aggregates stored history into the dashboard payload.
func (s *Server) handleAnalytics(ctx *fasthttp.RequestCtx) {
	entries, err := s.listHistory(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to read chat history",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, chatstore.Analyze(entries))
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	high, medium, low := s.queue.Depths()
	writeJSON(ctx, map[string]any{
		"status":  "ok",
		"version": s.version,
		"queue": map[string]int{
			"high":   high,
			"medium": medium,
			"low":    low,
		},
	})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) listHistory(ctx *fasthttp.RequestCtx) ([]chatstore.Entry, error) {
	if s.store == nil {
		return nil, nil
	}
	entries, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("chat history read failed", slog.String("error", err.Error()))
		return nil, err
	}
	return entries, nil
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
