package batch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const reqLogFile = "individual_request_response.log"

// ReqLog appends one human-readable block per delivered answer, the
// per-request counterpart of the combined wire log. Best-effort: failures
// are logged at WARN and never surface to the batch.
type ReqLog struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewReqLog creates a ReqLog under dir. The directory is created on the
// first append.
func NewReqLog(dir string, log *slog.Logger) *ReqLog {
	if log == nil {
		log = slog.Default()
	}
	return &ReqLog{path: filepath.Join(dir, reqLogFile), log: log}
}

// Append writes one request/answer block.
func (w *ReqLog) Append(requestID, username, prompt, response string, tokensUsed int, latencyMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.log.Warn("request log mkdir failed", slog.String("error", err.Error()))
		return
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("request log open failed", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	rule := strings.Repeat("=", 80)
	ts := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	fmt.Fprintf(f, "\n%s\nIndividual Request/Response - %s\n%s\n\n", rule, ts, rule)
	fmt.Fprintf(f, "Request ID: %s\nUsername: %s\nTokens Used: %d\nLatency: %.1f ms\n\n", requestID, username, tokensUsed, latencyMs)
	fmt.Fprintf(f, "PROMPT:\n%s\n%s\n\n", strings.Repeat("-", 40), prompt)
	fmt.Fprintf(f, "RESPONSE:\n%s\n%s\n\n", strings.Repeat("-", 40), response)
}
