package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-batcher/internal/chatstore"
	"github.com/nulpointcorp/llm-batcher/internal/model"
	"github.com/nulpointcorp/llm-batcher/internal/queue"
	"github.com/nulpointcorp/llm-batcher/internal/settings"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue settles each enqueued handle according to the scripted outcome.
type fakeQueue struct {
	text   string
	tokens int
	err    error
	hang   bool // never settle; the handler must time out

	last model.GenerationRequest
}

func (q *fakeQueue) Enqueue(req model.GenerationRequest) *queue.Handle {
	q.last = req
	item := queue.NewItem(req)
	if q.hang {
		return item.Handle
	}
	go func() {
		if q.err != nil {
			item.Handle.Fail(q.err)
			return
		}
		completed := time.Now().UTC()
		item.Handle.Complete(&model.GenerationResponse{
			RequestID:   req.RequestID,
			Username:    req.Username,
			Text:        q.text,
			TokensUsed:  q.tokens,
			LatencyMs:   12.5,
			CreatedAt:   req.CreatedAt,
			CompletedAt: completed,
		})
	}()
	return item.Handle
}

func (q *fakeQueue) Depths() (int, int, int) { return 1, 2, 3 }

// newTestServer serves the full handler chain over an in-memory listener and
// returns an http.Client wired to it.
func newTestServer(t *testing.T, q Enqueuer, store chatstore.Store) (*Server, *http.Client) {
	t.Helper()

	st := settings.New(t.TempDir(), discard())
	s := NewServer(Options{
		Queue:    q,
		Settings: st,
		Store:    store,
		Logger:   discard(),
		Version:  "test",
	})
	s.wordDelay = time.Millisecond
	s.waitBuffer = 500 * time.Millisecond

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: s.Handler()}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 5 * time.Second,
	}
	return s, client
}

func postQuery(t *testing.T, client *http.Client, body string) *http.Response {
	t.Helper()
	resp, err := client.Post("http://batcher/v1/query", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/query: %v", err)
	}
	return resp
}

// sseChunks parses every "data: {...}" line of an SSE body.
func sseChunks(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var chunks []map[string]any
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("bad SSE chunk %q: %v", line, err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestQueryStreamsWordByWord(t *testing.T) {
	q := &fakeQueue{text: "the quick brown fox", tokens: 7}
	_, client := newTestServer(t, q, nil)

	resp := postQuery(t, client, `{"username":"alice","request_id":"req-1","prompt":"tell me","priority":"HIGH"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	chunks := sseChunks(t, body)
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 4 words + done", len(chunks))
	}

	var text strings.Builder
	for _, c := range chunks[:4] {
		if c["type"] != "text" {
			t.Fatalf("chunk type = %v, want text", c["type"])
		}
		text.WriteString(c["content"].(string))
	}
	if text.String() != "the quick brown fox" {
		t.Errorf("streamed text = %q", text.String())
	}

	done := chunks[4]
	if done["type"] != "done" || done["request_id"] != "req-1" || done["username"] != "alice" {
		t.Errorf("done chunk = %v", done)
	}
	if done["tokens_used"].(float64) != 7 {
		t.Errorf("tokens_used = %v, want 7", done["tokens_used"])
	}
}

func TestQueryValidation(t *testing.T) {
	_, client := newTestServer(t, &fakeQueue{text: "x"}, nil)

	for _, body := range []string{
		`{"username":"a","request_id":"r"}`,          // no prompt
		`{"username":"a","prompt":"p"}`,              // no request id
		`{"request_id":"r","prompt":"p"}`,            // no username
		`{"username":"a","request_id":"r","prompt"`,  // broken JSON
	} {
		resp := postQuery(t, client, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestQueryDefaults(t *testing.T) {
	q := &fakeQueue{text: "ok"}
	_, client := newTestServer(t, q, nil)

	resp := postQuery(t, client, `{"username":"a","request_id":"r","prompt":"p"}`)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if q.last.Priority != model.PriorityMedium {
		t.Errorf("priority = %v, want MEDIUM when omitted", q.last.Priority)
	}
	if q.last.CreatedAt.IsZero() {
		t.Error("created_at must be defaulted")
	}
}

func TestQueryTimeoutStreamsErrorChunk(t *testing.T) {
	_, client := newTestServer(t, &fakeQueue{hang: true}, nil)

	resp := postQuery(t, client, `{"username":"a","request_id":"r","prompt":"p","priority":"HIGH"}`)
	defer resp.Body.Close()

	// Once enqueued, failures ride the stream: still a 200 event stream,
	// with the timeout delivered as an "error" chunk the client scans for.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	chunks := sseChunks(t, body)
	if len(chunks) != 1 || chunks[0]["type"] != "error" {
		t.Fatalf("chunks = %v, want a single error chunk", chunks)
	}
	msg, _ := chunks[0]["message"].(string)
	if !strings.Contains(msg, "timed out") || !strings.Contains(msg, "Please try again.") {
		t.Errorf("error message = %q", msg)
	}
}

func TestQueryUpstreamErrorStreamsErrorChunk(t *testing.T) {
	_, client := newTestServer(t, &fakeQueue{err: errors.New("upstream exploded")}, nil)

	resp := postQuery(t, client, `{"username":"a","request_id":"r","prompt":"p"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	chunks := sseChunks(t, body)
	if len(chunks) != 1 || chunks[0]["type"] != "error" {
		t.Fatalf("chunks = %v, want a single error chunk", chunks)
	}
	if chunks[0]["message"] != "upstream exploded" {
		t.Errorf("error message = %q, want the raw failure", chunks[0]["message"])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	_, client := newTestServer(t, &fakeQueue{}, nil)

	resp, err := client.Get("http://batcher/v1/settings")
	if err != nil {
		t.Fatalf("GET settings: %v", err)
	}
	var snap model.SettingsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if snap.HighPriority.Tokens != 512 {
		t.Errorf("default HIGH tokens = %d, want 512", snap.HighPriority.Tokens)
	}

	req, _ := http.NewRequest(http.MethodPut, "http://batcher/v1/settings",
		strings.NewReader(`{"api_key":"sk-new-key-9876","high_priority":{"tokens":256,"latency_ms":80}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("PUT settings: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if snap.HighPriority.Tokens != 256 || snap.HighPriority.LatencyMs != 80 {
		t.Errorf("updated HIGH = %+v", snap.HighPriority)
	}
	if snap.APIKey != "***9876" {
		t.Errorf("api key = %q, must be masked", snap.APIKey)
	}
	if snap.MediumPriority.Tokens != 1024 {
		t.Errorf("MEDIUM must keep its default, got %d", snap.MediumPriority.Tokens)
	}
}

func TestChatAndAnalytics(t *testing.T) {
	store := chatstore.NewFileStore(t.TempDir(), discard())
	seed := []chatstore.Entry{
		{Username: "a", RequestID: "r1", Priority: model.PriorityHigh, BatchID: "b1",
			CompletedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)},
		{Username: "a", RequestID: "r2", Priority: model.PriorityHigh, BatchID: "b1",
			CompletedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)},
	}
	if err := store.Append(context.Background(), seed); err != nil {
		t.Fatal(err)
	}
	_, client := newTestServer(t, &fakeQueue{}, store)

	resp, err := client.Get("http://batcher/v1/chat")
	if err != nil {
		t.Fatalf("GET chat: %v", err)
	}
	var chat struct {
		Chats []chatstore.Entry `json:"chats"`
		Count int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if chat.Count != 2 || len(chat.Chats) != 2 {
		t.Errorf("chat count = %d (%d entries), want 2", chat.Count, len(chat.Chats))
	}

	resp, err = client.Get("http://batcher/v1/analytics")
	if err != nil {
		t.Fatalf("GET analytics: %v", err)
	}
	var an model.AnalyticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&an); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if an.TotalRequests != 1 || an.HighPriority != 1 {
		t.Errorf("analytics = %+v, want one HIGH batch", an)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	_, client := newTestServer(t, &fakeQueue{}, nil)

	resp, err := client.Get("http://batcher/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	var health struct {
		Status  string         `json:"status"`
		Version string         `json:"version"`
		Queue   map[string]int `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if health.Status != "ok" || health.Version != "test" {
		t.Errorf("health = %+v", health)
	}
	if health.Queue["low"] != 3 {
		t.Errorf("queue depths = %v", health.Queue)
	}

	resp, err = client.Get("http://batcher/readiness")
	if err != nil {
		t.Fatalf("GET readiness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness status = %d", resp.StatusCode)
	}
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	_, client := newTestServer(t, &fakeQueue{}, nil)

	req, _ := http.NewRequest(http.MethodOptions, "http://batcher/v1/query", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	resp, err = client.Get("http://batcher/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}
