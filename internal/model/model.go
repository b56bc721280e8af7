// Package model holds the value types shared across the batcher: the
// priority enum, the client-facing request/response pair, and the internal
// batched upstream reply.
package model

import "time"

// GenerationRequest is a single client question. Immutable after creation;
// RequestID uniqueness is the client's responsibility.
type GenerationRequest struct {
	Username  string    `json:"username"`
	RequestID string    `json:"request_id"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
	Priority  Priority  `json:"priority"`
}

// GenerationResponse is what the client receives for one request.
// LatencyMs is end-to-end: completed_at minus created_at, in milliseconds.
type GenerationResponse struct {
	RequestID   string    `json:"request_id"`
	Username    string    `json:"username"`
	Text        string    `json:"text"`
	TokensUsed  int       `json:"tokens_used"`
	LatencyMs   float64   `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// BatchedItem is one parsed answer from a combined upstream call. Index is
// the position of the originating request within the batch.
type BatchedItem struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}

// BatchedResponse is the split result of one combined upstream call.
// Results always has one item per input position, in position order.
type BatchedResponse struct {
	Results        []BatchedItem `json:"results"`
	ModelLatencyMs float64       `json:"model_latency_ms"`
}

// PriorityThreshold is the runtime-configurable pair for one lane.
type PriorityThreshold struct {
	Tokens    int     `json:"tokens"`
	LatencyMs float64 `json:"latency_ms"`
}

// SettingsSnapshot is the GET /v1/settings payload. APIKey is masked.
type SettingsSnapshot struct {
	APIKey         string            `json:"api_key"`
	HighPriority   PriorityThreshold `json:"high_priority"`
	MediumPriority PriorityThreshold `json:"medium_priority"`
	LowPriority    PriorityThreshold `json:"low_priority"`
}

// SettingsUpdate is the PUT /v1/settings body. Nil fields are left unchanged.
type SettingsUpdate struct {
	APIKey         *string            `json:"api_key,omitempty"`
	HighPriority   *PriorityThreshold `json:"high_priority,omitempty"`
	MediumPriority *PriorityThreshold `json:"medium_priority,omitempty"`
	LowPriority    *PriorityThreshold `json:"low_priority,omitempty"`
}

// AnalyticsPoint is one day in the request-count time series.
type AnalyticsPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// AnalyticsSlice is one wedge of the priority distribution chart.
type AnalyticsSlice struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// AnalyticsResponse is the GET /v1/analytics payload. All counts are
// batch-level (one combined upstream call), not per-request.
type AnalyticsResponse struct {
	TotalRequests        int              `json:"total_requests"`
	HighPriority         int              `json:"high_priority"`
	MediumPriority       int              `json:"medium_priority"`
	LowPriority          int              `json:"low_priority"`
	RequestCountOverTime []AnalyticsPoint `json:"request_count_over_time"`
	PriorityDistribution []AnalyticsSlice `json:"priority_distribution"`
}
