// Package executor runs routing decisions against provider adapters and
// feeds the observed cost, latency and quality back into usage accounting
// and experiments.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/zen-systems/mlroute/pkg/adapter"
	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/metric"
	"github.com/zen-systems/mlroute/pkg/observability"
	"github.com/zen-systems/mlroute/pkg/router"
	"github.com/zen-systems/mlroute/pkg/usage"
)

var (
	// ErrNoDecision is returned when Execute is called without a decision.
	ErrNoDecision = errors.New("routing decision is required")
	// ErrNoAdapter is returned when the decided provider has no adapter.
	ErrNoAdapter = errors.New("provider not configured")
)

// Catalog supplies pricing and retry policy.
type Catalog interface {
	Catalog() *config.RoutingConfig
}

// ResultRecorder stores experiment observations.
type ResultRecorder interface {
	RecordResult(ctx context.Context, r experiment.Result) (experiment.Result, error)
}

// Scorer rates the quality of a response in [0,1]. It returns false when
// it cannot judge the response.
type Scorer interface {
	Score(ctx context.Context, req *router.Request, resp *adapter.Response) (float64, bool, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req *router.Request, resp *adapter.Response) (float64, bool, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, req *router.Request, resp *adapter.Response) (float64, bool, error) {
	return f(ctx, req, resp)
}

// Call is one request to execute.
type Call struct {
	Request   *router.Request
	Decision  *router.Decision
	Auth      router.AuthContext
	RequestID string
	UserAgent string
	IPAddress string
}

// Outcome is the result of a successful call.
type Outcome struct {
	Decision    router.Decision    `json:"decision"`
	Response    *adapter.Response  `json:"response"`
	Usage       adapter.Usage      `json:"usage"`
	ActualCost  float64            `json:"actual_cost"`
	Latency     time.Duration      `json:"latency"`
	Attempts    int                `json:"attempts"`
	Observation metric.Observation `json:"observation"`
	Deltas      metric.Deltas      `json:"deltas"`
	ResultID    string             `json:"result_id,omitempty"`
}

// Executor calls the provider a decision picked.
type Executor struct {
	adapters adapter.Registry
	catalog  Catalog
	reporter *usage.Reporter
	results  ResultRecorder
	scorer   Scorer
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithReporter reports every call to usage accounting.
func WithReporter(r *usage.Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// WithResultRecorder records experiment results for experiment decisions.
func WithResultRecorder(r ResultRecorder) Option {
	return func(e *Executor) { e.results = r }
}

// WithScorer sets the quality scorer. Without one, observed quality is left
// unset and quality analyses rely on results recorded by callers.
func WithScorer(s Scorer) Option {
	return func(e *Executor) { e.scorer = s }
}

// WithMetrics records provider latency and errors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleeper overrides the backoff sleep.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New creates an executor over the adapters and the catalog source.
func New(adapters adapter.Registry, catalog Catalog, opts ...Option) *Executor {
	e := &Executor{
		adapters: adapters,
		catalog:  catalog,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

// Execute calls the decided provider, retrying transient failures. Usage is
// reported whether or not the call succeeds; experiment decisions also
// record a result. Neither side channel fails the call.
func (e *Executor) Execute(ctx context.Context, call Call) (*Outcome, error) {
	ctx, span := observability.Tracer().Start(ctx, "executor.Execute")
	defer span.End()

	if call.Request == nil {
		return nil, router.ErrInvalidRequest
	}
	if call.Decision == nil {
		return nil, ErrNoDecision
	}
	decision := *call.Decision

	a, err := e.adapters.Get(decision.Provider)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNoAdapter, err)
		observability.RecordError(span, err)
		return nil, err
	}

	catalog := e.routing()
	opts := adapter.Options{MaxTokens: call.Request.CompletionTokens(catalog.DefaultCompletionTokens)}

	start := e.now()
	resp, attempts, err := e.callWithRetry(ctx, a, decision.Model, call.Request.Messages(), opts, catalog.Retry)
	latency := e.now().Sub(start)
	if err != nil {
		observability.RecordError(span, err)
		e.report(ctx, call, decision, usage.Metrics{
			Provider:       decision.Provider,
			Model:          decision.Model,
			ResponseTimeMs: msec(latency),
			Successful:     false,
			ErrorCode:      adapter.ErrorCode(err),
			ErrorMessage:   err.Error(),
		})
		e.logger.Warn("provider call failed",
			"provider", decision.Provider,
			"model", decision.Model,
			"attempts", len(attempts),
			"error", err)
		return nil, err
	}

	u := normalizeUsage(resp.Usage, call.Request, opts.MaxTokens)
	cost := decision.EstimatedCost
	if spec, ok := catalog.Lookup(decision.Provider, decision.Model); ok {
		cost = spec.EstimateCost(u.PromptTokens, u.CompletionTokens)
	}

	out := &Outcome{
		Decision:   decision,
		Response:   resp,
		Usage:      u,
		ActualCost: cost,
		Latency:    latency,
		Attempts:   len(attempts),
		Observation: metric.Observation{
			Cost:           cost,
			ResponseTimeMs: msec(latency),
			Quality:        e.score(ctx, call.Request, resp),
		},
	}
	out.Deltas = metric.Compare(decision.Prediction(), out.Observation)

	e.report(ctx, call, decision, usage.Metrics{
		Provider:         decision.Provider,
		Model:            decision.Model,
		Cost:             cost,
		ResponseTimeMs:   msec(latency),
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
		Successful:       true,
	})

	if decision.InExperiment() && e.results != nil {
		recorded, err := e.results.RecordResult(ctx, experiment.Result{
			TestID:     decision.TestID,
			Variant:    experiment.Variant(decision.Variant),
			UserID:     call.Auth.UserID,
			RequestID:  call.RequestID,
			Request:    call.Request.Spec(),
			Prediction: decision,
			Response:   resp.Content,
			Actual:     out.Observation,
		})
		if err != nil {
			e.logger.Warn("experiment result not recorded",
				"test_id", decision.TestID,
				"variant", decision.Variant,
				"error", err)
		} else {
			out.ResultID = recorded.ID
		}
	}
	return out, nil
}

// score returns the observed quality, or nil when nothing scored the
// response.
func (e *Executor) score(ctx context.Context, req *router.Request, resp *adapter.Response) *float64 {
	if e.scorer == nil {
		return nil
	}
	q, ok, err := e.scorer.Score(ctx, req, resp)
	switch {
	case err != nil:
		e.logger.Warn("quality scoring failed", "error", err)
		return nil
	case !ok:
		return nil
	case math.IsNaN(q) || q < 0 || q > 1:
		e.logger.Warn("quality score out of range", "score", q)
		return nil
	}
	return metric.Float(q)
}

func (e *Executor) routing() *config.RoutingConfig {
	var cfg *config.RoutingConfig
	if e.catalog != nil {
		cfg = e.catalog.Catalog()
	}
	if cfg == nil {
		cfg = config.DefaultRoutingConfig()
	}
	return cfg
}

func (e *Executor) report(ctx context.Context, call Call, decision router.Decision, m usage.Metrics) {
	if e.reporter == nil || call.Auth.AppID == "" {
		return
	}
	m.UserAgent = call.UserAgent
	m.IPAddress = call.IPAddress
	e.reporter.Report(ctx, call.Auth.AppID, usage.OperationComplete, m)
}

// normalizeUsage fills in missing provider usage from request estimates.
func normalizeUsage(u *adapter.Usage, req *router.Request, maxTokens int) adapter.Usage {
	if u == nil {
		prompt := req.PromptTokens()
		return adapter.Usage{PromptTokens: prompt, CompletionTokens: maxTokens, TotalTokens: prompt + maxTokens}
	}
	out := *u
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

func msec(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
