// Package router picks a provider and model for a chat request under the
// caller's constraints and tier policy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/observability"
	"github.com/zen-systems/mlroute/pkg/policy"
)

// Exclusion reasons reported on candidates.
const (
	ExcludedTier            = "tier"
	ExcludedNoCredentials   = "no_credentials"
	ExcludedDenied          = "denied"
	ExcludedNotAllowed      = "not_allowed"
	ExcludedMaxCost         = "max_cost"
	ExcludedMinQuality      = "min_quality"
	ExcludedMaxResponseTime = "max_response_time"
)

// Engine routes requests over a provider capability catalog. It is safe
// for concurrent use; the catalog may be swapped while requests are in
// flight.
type Engine struct {
	mu          sync.RWMutex
	catalog     *config.RoutingConfig
	classifier  *Classifier
	tiers       *policy.Registry
	customTiers bool

	keys        KeyResolver
	selector    VariantSelector
	defaultTier string
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeyResolver limits routing to providers with credentials.
func WithKeyResolver(keys KeyResolver) Option {
	return func(e *Engine) {
		e.keys = keys
	}
}

// WithVariantSelector lets running experiments override decisions.
func WithVariantSelector(s VariantSelector) Option {
	return func(e *Engine) {
		e.selector = s
	}
}

// WithTiers replaces the tier registry derived from the catalog.
func WithTiers(tiers *policy.Registry) Option {
	return func(e *Engine) {
		e.tiers = tiers
		e.customTiers = true
	}
}

// WithDefaultTier sets the tier used when the auth context names none.
func WithDefaultTier(name string) Option {
	return func(e *Engine) {
		e.defaultTier = name
	}
}

// WithMetrics records decisions and failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock used for rate-limit checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine over catalog. A nil catalog uses the built-in
// table.
func NewEngine(catalog *config.RoutingConfig, opts ...Option) *Engine {
	if catalog == nil {
		catalog = config.DefaultRoutingConfig()
	}
	e := &Engine{
		catalog:     catalog,
		classifier:  NewClassifier(catalog.RequestTypes),
		tiers:       policy.NewRegistryFromConfig(catalog),
		defaultTier: policy.TierFree,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "router")
	return e
}

// SetCatalog swaps the routing catalog.
func (e *Engine) SetCatalog(catalog *config.RoutingConfig) {
	if catalog == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = catalog
	e.classifier = NewClassifier(catalog.RequestTypes)
	if !e.customTiers {
		e.tiers = policy.NewRegistryFromConfig(catalog)
	}
}

// Catalog returns the active catalog.
func (e *Engine) Catalog() *config.RoutingConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalog
}

// Classify labels a prompt with a request type.
func (e *Engine) Classify(prompt string) Classification {
	e.mu.RLock()
	c := e.classifier
	e.mu.RUnlock()
	return c.Classify(prompt)
}

type snapshot struct {
	catalog    *config.RoutingConfig
	classifier *Classifier
	tier       policy.Tier
}

func (e *Engine) snapshot(tierName string) (snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tierName == "" {
		tierName = e.defaultTier
	}
	tier, err := e.tiers.Get(tierName)
	if err != nil {
		return snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTier, tierName)
	}
	return snapshot{catalog: e.catalog, classifier: e.classifier, tier: tier}, nil
}

// Evaluate estimates every catalog entry for the request and marks the ones
// the tier, credentials or constraints exclude. Entries are sorted by
// provider then model.
func (e *Engine) Evaluate(req *Request, auth AuthContext) ([]Candidate, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	snap, err := e.snapshot(auth.Tier)
	if err != nil {
		return nil, err
	}
	return e.evaluate(snap, req), nil
}

func (e *Engine) evaluate(snap snapshot, req *Request) []Candidate {
	cons := req.Constraints()
	promptTokens := req.PromptTokens()
	completionTokens := req.CompletionTokens(snap.catalog.DefaultCompletionTokens)

	targets := snap.catalog.Targets()
	out := make([]Candidate, 0, len(targets))
	for _, target := range targets {
		spec, _ := snap.catalog.Lookup(target.Provider, target.Model)
		c := Candidate{
			Provider:  target.Provider,
			Model:     target.Model,
			Class:     spec.Class,
			Cost:      spec.EstimateCost(promptTokens, completionTokens),
			LatencyMs: spec.LatencyMs,
			Quality:   spec.Quality,
		}
		c.Excluded = e.exclusion(snap.tier, cons, c)
		out = append(out, c)
	}
	return out
}

// exclusion returns why a candidate cannot serve the request, or "".
// Provider-level reasons come first so they can be told apart from
// constraint violations.
func (e *Engine) exclusion(tier policy.Tier, cons Constraints, c Candidate) string {
	switch {
	case !tier.AllowsClass(c.Class):
		return ExcludedTier
	case e.keys != nil && !hasKey(e.keys, c.Provider):
		return ExcludedNoCredentials
	case containsFold(cons.DenyProviders, c.Provider):
		return ExcludedDenied
	case len(cons.AllowProviders) > 0 && !containsFold(cons.AllowProviders, c.Provider):
		return ExcludedNotAllowed
	case cons.MaxCost != nil && c.Cost > *cons.MaxCost:
		return ExcludedMaxCost
	case cons.MinQuality != nil && c.Quality < *cons.MinQuality:
		return ExcludedMinQuality
	case cons.MaxResponseTimeMs != nil && c.LatencyMs > *cons.MaxResponseTimeMs:
		return ExcludedMaxResponseTime
	}
	return ""
}

func providerLevel(reason string) bool {
	switch reason {
	case ExcludedTier, ExcludedNoCredentials, ExcludedDenied, ExcludedNotAllowed:
		return true
	}
	return false
}

// Route picks a provider and model for req. Every returned decision
// satisfies the request's constraints; when none can, Route fails with
// ErrConstraintUnsatisfiable or ErrNoCandidateMeetsConstraints instead of
// falling back.
func (e *Engine) Route(ctx context.Context, req *Request, auth AuthContext) (*Decision, error) {
	ctx, span := observability.Tracer().Start(ctx, "router.Route")
	defer span.End()

	decision, err := e.route(ctx, req, auth)
	if err != nil {
		observability.RecordError(span, err)
		e.metrics.RoutingFailure(failureReason(err))
		e.logger.Debug("route failed", "app_id", auth.AppID, "tier", auth.Tier, "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("mlroute.provider", decision.Provider),
		attribute.String("mlroute.model", decision.Model),
		attribute.String("mlroute.objective", string(decision.Objective)),
		attribute.Int("mlroute.candidates", decision.Candidates),
	)
	e.metrics.RoutingDecision(decision.Provider, decision.Model, string(decision.Objective))
	e.logger.Debug("routed",
		"app_id", auth.AppID,
		"provider", decision.Provider,
		"model", decision.Model,
		"objective", decision.Objective,
		"test_id", decision.TestID,
		"variant", decision.Variant,
	)
	return decision, nil
}

func (e *Engine) route(ctx context.Context, req *Request, auth AuthContext) (*Decision, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	snap, err := e.snapshot(auth.Tier)
	if err != nil {
		return nil, err
	}
	if auth.RateLimit.Exhausted(e.now()) {
		return nil, fmt.Errorf("%w: resets at %s", ErrRateLimited, auth.RateLimit.Reset.UTC().Format(time.RFC3339))
	}

	all := e.evaluate(snap, req)
	var available, survivors []Candidate
	for _, c := range all {
		if providerLevel(c.Excluded) {
			continue
		}
		available = append(available, c)
		if c.Excluded == "" {
			survivors = append(survivors, c)
		}
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: tier %s has no usable provider after allow/deny lists", ErrConstraintUnsatisfiable, snap.tier.Name)
	}
	if len(survivors) == 0 {
		return nil, fmt.Errorf("%w: %d candidates all violate cost, quality or latency bounds", ErrNoCandidateMeetsConstraints, len(available))
	}

	requestType, ok := req.Metadata(MetadataRequestType)
	if !ok || requestType == "" {
		requestType = snap.classifier.Classify(req.Prompt()).RequestType
	}

	mlRouting := snap.tier.MLRouting
	if auth.Features.MLRouting != nil {
		mlRouting = *auth.Features.MLRouting
	}

	base := Decision{
		Objective:   req.Objective(),
		RequestType: requestType,
		Candidates:  len(survivors),
		MLRouting:   mlRouting,
	}

	if d, ok := e.experimentDecision(ctx, snap, survivors, auth, requestType, base); ok {
		return d, nil
	}

	if !mlRouting {
		def := snap.catalog.Default
		for _, c := range survivors {
			if c.Provider == def.Provider && c.Model == def.Model {
				return decide(base, c, fmt.Sprintf("ML routing disabled for tier %s; using default target %s", snap.tier.Name, def)), nil
			}
		}
		rank(survivors, ObjectiveCost, snap.catalog.Balanced)
		return decide(base, survivors[0], fmt.Sprintf("ML routing disabled for tier %s; default target unavailable, cheapest of %d candidates", snap.tier.Name, len(survivors))), nil
	}

	rank(survivors, req.Objective(), snap.catalog.Balanced)
	best := survivors[0]
	return decide(base, best, rationale(req.Objective(), best, len(survivors))), nil
}

func (e *Engine) experimentDecision(ctx context.Context, snap snapshot, survivors []Candidate, auth AuthContext, requestType string, base Decision) (*Decision, bool) {
	if e.selector == nil || auth.UserID == "" {
		return nil, false
	}
	route, ok, err := e.selector.SelectVariant(ctx, Subject{
		UserID:      auth.UserID,
		Segment:     auth.Segment,
		RequestType: requestType,
	})
	if err != nil {
		e.logger.Warn("variant selection failed", "user_id", auth.UserID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	target := snap.catalog.ResolveAlias(route.Provider, route.Model)
	for _, c := range survivors {
		if c.Provider == target.Provider && c.Model == target.Model {
			d := decide(base, c, fmt.Sprintf("experiment %s variant %s", route.TestID, route.Variant))
			d.TestID = route.TestID
			d.Variant = route.Variant
			return d, true
		}
	}
	e.logger.Debug("experiment variant excluded for request",
		"test_id", route.TestID,
		"variant", route.Variant,
		"target", target.String(),
	)
	return nil, false
}

func decide(base Decision, c Candidate, why string) *Decision {
	d := base
	d.Provider = c.Provider
	d.Model = c.Model
	d.EstimatedCost = c.Cost
	d.EstimatedLatencyMs = c.LatencyMs
	d.EstimatedQuality = c.Quality
	d.Rationale = why
	return &d
}

func rationale(objective Objective, c Candidate, n int) string {
	switch objective {
	case ObjectiveCost:
		return fmt.Sprintf("lowest estimated cost $%.6f among %d candidates", c.Cost, n)
	case ObjectiveSpeed:
		return fmt.Sprintf("lowest expected latency %.0fms among %d candidates", c.LatencyMs, n)
	case ObjectiveQuality:
		return fmt.Sprintf("highest expected quality %.2f among %d candidates", c.Quality, n)
	default:
		return fmt.Sprintf("best balanced score %.3f among %d candidates", c.Score, n)
	}
}

// rank orders candidates best first. Cost and speed rank ascending,
// quality descending. Balanced min-max normalises cost, latency and quality
// across the candidates and ranks by the weighted sum of cheapness,
// speed and quality. Ties fall back to provider then model name.
func rank(cs []Candidate, objective Objective, w config.BalancedWeights) {
	var key func(Candidate) float64
	switch objective {
	case ObjectiveCost:
		key = func(c Candidate) float64 { return c.Cost }
	case ObjectiveSpeed:
		key = func(c Candidate) float64 { return c.LatencyMs }
	case ObjectiveQuality:
		key = func(c Candidate) float64 { return -c.Quality }
	default:
		scoreBalanced(cs, w)
		key = func(c Candidate) float64 { return -c.Score }
	}
	sort.SliceStable(cs, func(i, j int) bool {
		ki, kj := key(cs[i]), key(cs[j])
		if ki != kj {
			return ki < kj
		}
		if cs[i].Provider != cs[j].Provider {
			return cs[i].Provider < cs[j].Provider
		}
		return cs[i].Model < cs[j].Model
	})
}

func scoreBalanced(cs []Candidate, w config.BalancedWeights) {
	total := w.Cost + w.Speed + w.Quality
	if total <= 0 {
		w = config.BalancedWeights{Cost: 1, Speed: 1, Quality: 1}
		total = 3
	}
	costLo, costHi := bounds(cs, func(c Candidate) float64 { return c.Cost })
	latLo, latHi := bounds(cs, func(c Candidate) float64 { return c.LatencyMs })
	qLo, qHi := bounds(cs, func(c Candidate) float64 { return c.Quality })
	for i := range cs {
		cheap := 1 - normalise(cs[i].Cost, costLo, costHi)
		fast := 1 - normalise(cs[i].LatencyMs, latLo, latHi)
		good := normalise(cs[i].Quality, qLo, qHi)
		cs[i].Score = (w.Cost*cheap + w.Speed*fast + w.Quality*good) / total
	}
}

func bounds(cs []Candidate, f func(Candidate) float64) (lo, hi float64) {
	for i, c := range cs {
		v := f(c)
		if i == 0 || v < lo {
			lo = v
		}
		if i == 0 || v > hi {
			hi = v
		}
	}
	return lo, hi
}

// normalise maps v into [0,1]; a flat dimension maps to 0 for everyone.
func normalise(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

func hasKey(keys KeyResolver, provider string) bool {
	key, ok := keys.ResolveAPIKey(provider)
	return ok && key != ""
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrConstraintUnsatisfiable):
		return "unsatisfiable"
	case errors.Is(err, ErrNoCandidateMeetsConstraints):
		return "no_candidate"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrUnknownTier):
		return "unknown_tier"
	default:
		return "other"
	}
}
