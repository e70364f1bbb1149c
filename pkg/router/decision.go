package router

import (
	"context"

	"github.com/zen-systems/mlroute/pkg/metric"
)

// Candidate is a provider/model pair with its estimates for one request.
type Candidate struct {
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Class     string  `json:"class"`
	Cost      float64 `json:"estimated_cost"`
	LatencyMs float64 `json:"estimated_latency_ms"`
	Quality   float64 `json:"estimated_quality"`
	Score     float64 `json:"score,omitempty"`
	Excluded  string  `json:"excluded,omitempty"`
}

// Decision captures the outcome of one routing call.
type Decision struct {
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	EstimatedCost      float64   `json:"estimated_cost"`
	EstimatedLatencyMs float64   `json:"estimated_latency_ms"`
	EstimatedQuality   float64   `json:"estimated_quality"`
	Objective          Objective `json:"objective"`
	Rationale          string    `json:"rationale"`
	RequestType        string    `json:"request_type,omitempty"`
	Candidates         int       `json:"candidates"`
	MLRouting          bool      `json:"ml_routing"`
	TestID             string    `json:"test_id,omitempty"`
	Variant            string    `json:"variant,omitempty"`
}

// Prediction returns the estimates as a metric prediction.
func (d Decision) Prediction() metric.Prediction {
	return metric.Prediction{
		Provider:       d.Provider,
		Model:          d.Model,
		Cost:           d.EstimatedCost,
		ResponseTimeMs: d.EstimatedLatencyMs,
		Quality:        d.EstimatedQuality,
	}
}

// InExperiment reports whether the decision came from an experiment variant.
func (d Decision) InExperiment() bool {
	return d.TestID != "" && d.Variant != ""
}

// Subject is what experiments see of a request when assigning variants.
type Subject struct {
	UserID      string
	Segment     string
	RequestType string
}

// ExperimentRoute is an experiment's choice for a subject.
type ExperimentRoute struct {
	TestID   string
	Variant  string
	Provider string
	Model    string
}

// VariantSelector picks an experiment variant for a subject. It returns
// false when no running experiment applies.
type VariantSelector interface {
	SelectVariant(ctx context.Context, subject Subject) (ExperimentRoute, bool, error)
}

// KeyResolver supplies provider credentials. A provider without a key is
// unavailable for routing.
type KeyResolver interface {
	ResolveAPIKey(provider string) (string, bool)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(provider string) (string, bool)

func (f KeyResolverFunc) ResolveAPIKey(provider string) (string, bool) { return f(provider) }
