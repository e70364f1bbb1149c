// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the routing and experimentation services.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and histograms for routing and experiments.
// A nil *Metrics is valid and records nothing, so libraries can take one
// as an optional dependency.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.RoutingDecision("openai", "gpt-4o-mini", "cost")
type Metrics struct {
	// RoutingDecisions counts successful routing decisions.
	// Labels: provider, model, objective (cost|speed|quality|balanced)
	RoutingDecisions *prometheus.CounterVec

	// RoutingFailures counts routes that could not be served.
	// Labels: reason (unsatisfiable|no_candidate|rate_limited|invalid|unknown_tier|other)
	RoutingFailures *prometheus.CounterVec

	// ProviderLatency measures provider call latency in seconds.
	// Labels: provider, model, status (success|error)
	// Buckets: 0.1s, 0.25s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	ProviderLatency *prometheus.HistogramVec

	// Assignments counts variant assignments.
	// Labels: variant (A|B|none)
	Assignments *prometheus.CounterVec

	// Results counts recorded experiment results.
	// Labels: variant
	Results *prometheus.CounterVec

	// AnalysisRuns counts analyses by outcome status.
	// Labels: status (insufficient_data|variant_a_wins|variant_b_wins|no_clear_winner), cached (true|false)
	AnalysisRuns *prometheus.CounterVec

	// Transitions counts experiment lifecycle transitions.
	// Labels: to (running|paused|completed|stopped)
	Transitions *prometheus.CounterVec

	// UsageFailures counts usage-tracking calls that failed.
	UsageFailures prometheus.Counter

	// SchedulerTicks counts scheduler ticks.
	// Labels: status (ok|partial)
	SchedulerTicks *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg. A nil registerer uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RoutingDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlroute_routing_decisions_total",
			Help: "Total number of routing decisions",
		}, []string{"provider", "model", "objective"}),
		RoutingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlroute_routing_failures_total",
			Help: "Total number of failed routing attempts",
		}, []string{"reason"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mlroute_provider_request_duration_seconds",
			Help:    "Provider request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model", "status"}),
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlroute_experiment_assignments_total",
			Help: "Total number of variant assignments",
		}, []string{"variant"}),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlroute_experiment_results_total",
			Help: "Total number of recorded experiment results",
		}, []string{"variant"}),
		AnalysisRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlroute_experiment_analyses_total",
			Help: "Total number of experiment analyses",
		}, []string{"status", "cached"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlroute_experiment_transitions_total",
			Help: "Total number of experiment status transitions",
		}, []string{"to"}),
		UsageFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "mlroute_usage_tracking_failures_total",
			Help: "Total number of failed usage tracking calls",
		}),
		SchedulerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlroute_scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		}, []string{"status"}),
	}
}

// RoutingDecision records a successful route.
func (m *Metrics) RoutingDecision(provider, model, objective string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(provider, model, objective).Inc()
}

// RoutingFailure records a failed route.
func (m *Metrics) RoutingFailure(reason string) {
	if m == nil {
		return
	}
	m.RoutingFailures.WithLabelValues(reason).Inc()
}

// ObserveProvider records the latency of one provider call.
func (m *Metrics) ObserveProvider(provider, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProviderLatency.WithLabelValues(provider, model, status).Observe(d.Seconds())
}

// Assignment records a variant assignment. An empty variant counts as none.
func (m *Metrics) Assignment(variant string) {
	if m == nil {
		return
	}
	if variant == "" {
		variant = "none"
	}
	m.Assignments.WithLabelValues(variant).Inc()
}

// Result records an appended experiment result.
func (m *Metrics) Result(variant string) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(variant).Inc()
}

// Analysis records one analysis run.
func (m *Metrics) Analysis(status string, cached bool) {
	if m == nil {
		return
	}
	c := "false"
	if cached {
		c = "true"
	}
	m.AnalysisRuns.WithLabelValues(status, c).Inc()
}

// Transition records a lifecycle transition.
func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

// UsageFailure records a failed usage tracking call.
func (m *Metrics) UsageFailure() {
	if m == nil {
		return
	}
	m.UsageFailures.Inc()
}

// SchedulerTick records a scheduler tick; failed is the number of tests
// whose analysis failed during the tick.
func (m *Metrics) SchedulerTick(failed int) {
	if m == nil {
		return
	}
	status := "ok"
	if failed > 0 {
		status = "partial"
	}
	m.SchedulerTicks.WithLabelValues(status).Inc()
}
