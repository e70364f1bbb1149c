// Package usage records per-application accounting for routed requests and
// enforces per-tier request rates.
package usage

import (
	"context"
	"time"
)

// Operations reported by mlroute.
const (
	OperationRoute    = "route"
	OperationComplete = "complete"
)

// Metrics is the accounting payload for one operation.
type Metrics struct {
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	Cost             float64 `json:"cost"`
	ResponseTimeMs   float64 `json:"response_time_ms"`
	PromptTokens     int64   `json:"prompt_tokens,omitempty"`
	CompletionTokens int64   `json:"completion_tokens,omitempty"`
	Successful       bool    `json:"successful"`
	ErrorCode        string  `json:"error_code,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	UserAgent        string  `json:"user_agent,omitempty"`
	IPAddress        string  `json:"ip_address,omitempty"`
}

// Tracker is an accounting sink.
type Tracker interface {
	TrackUsage(ctx context.Context, appID, operation string, m Metrics) error
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(ctx context.Context, appID, operation string, m Metrics) error

func (f TrackerFunc) TrackUsage(ctx context.Context, appID, operation string, m Metrics) error {
	return f(ctx, appID, operation, m)
}

// Record is one tracked operation.
type Record struct {
	AppID     string    `json:"app_id"`
	Operation string    `json:"operation"`
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
}

// Totals aggregates records.
type Totals struct {
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	Cost             float64 `json:"cost"`
	ResponseTimeMs   float64 `json:"response_time_ms"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// Add folds one operation into the totals.
func (t *Totals) Add(m Metrics) {
	t.Requests++
	if !m.Successful {
		t.Failures++
	}
	t.Cost += m.Cost
	t.ResponseTimeMs += m.ResponseTimeMs
	t.PromptTokens += m.PromptTokens
	t.CompletionTokens += m.CompletionTokens
}

// MeanResponseTimeMs is the average latency over all requests.
func (t Totals) MeanResponseTimeMs() float64 {
	if t.Requests == 0 {
		return 0
	}
	return t.ResponseTimeMs / float64(t.Requests)
}
