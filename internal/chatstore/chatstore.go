// Package chatstore persists completed generations and answers the history
// and analytics queries. Two backends exist: a JSON file (default) and
// Redis. Both degrade gracefully: a read failure yields an empty history,
// never an outage.
package chatstore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-batcher/internal/model"
)

// Entry is one completed generation as stored in history. BatchID groups
// the entries that rode the same combined upstream call.
type Entry struct {
	Username    string         `json:"username"`
	RequestID   string         `json:"request_id"`
	Prompt      string         `json:"prompt"`
	Response    string         `json:"response"`
	Priority    model.Priority `json:"priority"`
	TokensUsed  int            `json:"tokens_used"`
	LatencyMs   float64        `json:"latency_ms"`
	BatchID     string         `json:"batch_id"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Store is the history backend. Append takes a whole batch so file backends
// can persist it in one write.
type Store interface {
	Append(ctx context.Context, entries []Entry) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Analyze computes the analytics payload from stored history. All counts
// are batch-level: entries sharing a BatchID count once, because one batch
// is one upstream call. Entries without a BatchID count individually.
func Analyze(entries []Entry) model.AnalyticsResponse {
	type batchKey struct {
		id       string
		priority model.Priority
		date     string
	}

	seen := make(map[batchKey]bool)
	perPriority := make(map[model.Priority]int)
	perDay := make(map[string]int)
	total := 0

	for i, e := range entries {
		date := e.CompletedAt.UTC().Format("2006-01-02")
		key := batchKey{id: e.BatchID, priority: e.Priority, date: date}
		if e.BatchID == "" {
			// Legacy entries predating batch IDs count one each.
			key.id = e.RequestID + "#" + strconv.Itoa(i)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		total++
		perPriority[e.Priority]++
		perDay[date]++
	}

	days := make([]string, 0, len(perDay))
	for d := range perDay {
		days = append(days, d)
	}
	sort.Strings(days)

	series := make([]model.AnalyticsPoint, 0, len(days))
	for _, d := range days {
		series = append(series, model.AnalyticsPoint{Date: d, Count: perDay[d]})
	}

	return model.AnalyticsResponse{
		TotalRequests:        total,
		HighPriority:         perPriority[model.PriorityHigh],
		MediumPriority:       perPriority[model.PriorityMedium],
		LowPriority:          perPriority[model.PriorityLow],
		RequestCountOverTime: series,
		PriorityDistribution: []model.AnalyticsSlice{
			{Name: "High", Value: perPriority[model.PriorityHigh]},
			{Name: "Medium", Value: perPriority[model.PriorityMedium]},
			{Name: "Low", Value: perPriority[model.PriorityLow]},
		},
	}
}
