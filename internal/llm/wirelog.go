package llm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const wireLogFile = "llm_request_response.log"

// WireLog appends each combined prompt and its raw reply to a human-readable
// log file. Writes are best-effort: failures are logged at WARN and never
// surface to the batch.
type WireLog struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewWireLog creates a WireLog under dir. The directory is created on the
// first append.
func NewWireLog(dir string, log *slog.Logger) *WireLog {
	if log == nil {
		log = slog.Default()
	}
	return &WireLog{path: filepath.Join(dir, wireLogFile), log: log}
}

// Append writes one request/reply block.
func (w *WireLog) Append(request, response string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.log.Warn("wire log mkdir failed", slog.String("error", err.Error()))
		return
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("wire log open failed", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	rule := strings.Repeat("=", 80)
	ts := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	fmt.Fprintf(f, "\n%s\nLLM Request/Response — %s\n%s\n\n", rule, ts, rule)
	fmt.Fprintf(f, "REQUEST (combined prompt sent to LLM):\n%s\n%s\n\n", strings.Repeat("-", 40), request)
	fmt.Fprintf(f, "RESPONSE (raw response from LLM):\n%s\n%s\n\n", strings.Repeat("-", 40), response)
}
