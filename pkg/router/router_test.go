package router

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/policy"
)

func ptr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }

func mustRequest(t *testing.T, objective Objective, cons Constraints) *Request {
	t.Helper()
	req, err := NewRequest([]Message{{Role: RoleUser, Content: "hello world"}}, objective, cons, nil)
	require.NoError(t, err)
	return req
}

var enterprise = AuthContext{AppID: "app", Tier: policy.TierEnterprise}

func TestRouteMaxCostBelowEveryProvider(t *testing.T) {
	e := NewEngine(nil)
	req := mustRequest(t, ObjectiveCost, Constraints{MaxCost: ptr(0.0001)})

	_, err := e.Route(context.Background(), req, enterprise)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCandidateMeetsConstraints), "got %v", err)
}

func TestRouteDenyListExcludesEverything(t *testing.T) {
	e := NewEngine(nil)
	req := mustRequest(t, ObjectiveCost, Constraints{
		DenyProviders: []string{"anthropic", "openai", "google", "deepseek"},
	})

	_, err := e.Route(context.Background(), req, enterprise)
	assert.ErrorIs(t, err, ErrConstraintUnsatisfiable)

	req = mustRequest(t, ObjectiveCost, Constraints{AllowProviders: []string{"acme"}})
	_, err = e.Route(context.Background(), req, enterprise)
	assert.ErrorIs(t, err, ErrConstraintUnsatisfiable)
}

func TestRouteObjectives(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		objective Objective
		provider  string
		model     string
	}{
		{ObjectiveCost, "google", "gemini-2.0-flash"},
		{ObjectiveSpeed, "google", "gemini-2.0-flash"},
		// opus and o1 tie on quality; provider name breaks the tie
		{ObjectiveQuality, "anthropic", "claude-opus-4-20250514"},
	}
	for _, tt := range tests {
		t.Run(string(tt.objective), func(t *testing.T) {
			d, err := e.Route(context.Background(), mustRequest(t, tt.objective, Constraints{}), enterprise)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, d.Provider)
			assert.Equal(t, tt.model, d.Model)
			assert.Equal(t, 10, d.Candidates)
			assert.True(t, d.MLRouting)
			assert.NotEmpty(t, d.Rationale)
		})
	}
}

func TestRouteBalancedIsDeterministicAndWeighted(t *testing.T) {
	e := NewEngine(nil)
	req := mustRequest(t, ObjectiveBalanced, Constraints{})

	first, err := e.Route(context.Background(), req, enterprise)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := e.Route(context.Background(), req, enterprise)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	cfg := config.DefaultRoutingConfig()
	cfg.Balanced = config.BalancedWeights{Quality: 1}
	e.SetCatalog(cfg)
	d, err := e.Route(context.Background(), req, enterprise)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", d.Provider)
	assert.Equal(t, "claude-opus-4-20250514", d.Model)
}

func TestRouteTierPolicy(t *testing.T) {
	e := NewEngine(nil)
	req := mustRequest(t, ObjectiveQuality, Constraints{})

	// free tier routes to the catalog default while ML routing is off
	d, err := e.Route(context.Background(), req, AuthContext{Tier: policy.TierFree})
	require.NoError(t, err)
	assert.Equal(t, "openai", d.Provider)
	assert.Equal(t, "gpt-4o-mini", d.Model)
	assert.False(t, d.MLRouting)

	// the feature flag turns ML routing on, but classes stay limited
	d, err = e.Route(context.Background(), req, AuthContext{Tier: policy.TierFree, Features: Features{MLRouting: boolPtr(true)}})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", d.Provider)
	assert.Equal(t, "deepseek-chat", d.Model)
	assert.Equal(t, 4, d.Candidates)

	// default target filtered out: cheapest survivor wins
	denyOpenAI := mustRequest(t, ObjectiveQuality, Constraints{DenyProviders: []string{"openai"}})
	d, err = e.Route(context.Background(), denyOpenAI, AuthContext{Tier: policy.TierFree})
	require.NoError(t, err)
	assert.Equal(t, "google", d.Provider)

	_, err = e.Route(context.Background(), req, AuthContext{Tier: "platinum"})
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestRouteRateLimited(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(nil, WithClock(func() time.Time { return now }))
	req := mustRequest(t, ObjectiveCost, Constraints{})

	auth := enterprise
	auth.RateLimit = RateLimit{Remaining: 0, Reset: now.Add(time.Minute)}
	_, err := e.Route(context.Background(), req, auth)
	assert.ErrorIs(t, err, ErrRateLimited)

	auth.RateLimit.Reset = now.Add(-time.Second)
	_, err = e.Route(context.Background(), req, auth)
	assert.NoError(t, err)
}

func TestRouteRequiresCredentials(t *testing.T) {
	keys := KeyResolverFunc(func(provider string) (string, bool) {
		if provider == "anthropic" {
			return "sk-test", true
		}
		return "", false
	})
	e := NewEngine(nil, WithKeyResolver(keys))

	d, err := e.Route(context.Background(), mustRequest(t, ObjectiveCost, Constraints{}), enterprise)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", d.Provider)
	assert.Equal(t, "claude-3-5-haiku-20241022", d.Model)

	_, err = e.Route(context.Background(), mustRequest(t, ObjectiveCost, Constraints{AllowProviders: []string{"openai"}}), enterprise)
	assert.ErrorIs(t, err, ErrConstraintUnsatisfiable)
}

// Every decision satisfies its constraints, or routing fails with one of
// the two constraint errors.
func TestRouteNeverViolatesConstraints(t *testing.T) {
	e := NewEngine(nil)
	rng := rand.New(rand.NewSource(42))
	providers := []string{"anthropic", "openai", "google", "deepseek"}
	objectives := []Objective{ObjectiveCost, ObjectiveSpeed, ObjectiveQuality, ObjectiveBalanced}

	for i := 0; i < 500; i++ {
		var cons Constraints
		if rng.Intn(2) == 0 {
			cons.MaxCost = ptr(rng.Float64() * 0.01)
		}
		if rng.Intn(2) == 0 {
			cons.MinQuality = ptr(0.7 + rng.Float64()*0.3)
		}
		if rng.Intn(2) == 0 {
			cons.MaxResponseTimeMs = ptr(500 + rng.Float64()*5000)
		}
		if rng.Intn(3) == 0 {
			cons.DenyProviders = []string{providers[rng.Intn(len(providers))]}
		}
		if rng.Intn(4) == 0 {
			cons.AllowProviders = []string{providers[rng.Intn(len(providers))]}
			if len(cons.DenyProviders) > 0 && cons.DenyProviders[0] == cons.AllowProviders[0] {
				cons.DenyProviders = nil
			}
		}
		req := mustRequest(t, objectives[rng.Intn(len(objectives))], cons)

		d, err := e.Route(context.Background(), req, enterprise)
		if err != nil {
			require.True(t,
				errors.Is(err, ErrNoCandidateMeetsConstraints) || errors.Is(err, ErrConstraintUnsatisfiable),
				"unexpected error %v", err)
			continue
		}
		if cons.MaxCost != nil {
			assert.LessOrEqual(t, d.EstimatedCost, *cons.MaxCost)
		}
		if cons.MinQuality != nil {
			assert.GreaterOrEqual(t, d.EstimatedQuality, *cons.MinQuality)
		}
		if cons.MaxResponseTimeMs != nil {
			assert.LessOrEqual(t, d.EstimatedLatencyMs, *cons.MaxResponseTimeMs)
		}
		assert.False(t, containsFold(cons.DenyProviders, d.Provider))
		if len(cons.AllowProviders) > 0 {
			assert.True(t, containsFold(cons.AllowProviders, d.Provider))
		}
	}
}

type fakeSelector struct {
	route ExperimentRoute
	err   error
	seen  []Subject
}

func (f *fakeSelector) SelectVariant(_ context.Context, s Subject) (ExperimentRoute, bool, error) {
	f.seen = append(f.seen, s)
	if f.err != nil {
		return ExperimentRoute{}, false, f.err
	}
	return f.route, f.route.TestID != "", nil
}

func TestRouteExperimentOverride(t *testing.T) {
	sel := &fakeSelector{route: ExperimentRoute{TestID: "t1", Variant: "B", Provider: "openai", Model: "gpt-4o"}}
	e := NewEngine(nil, WithVariantSelector(sel))
	auth := enterprise
	auth.UserID = "user-1"
	auth.Segment = "beta"

	req, err := NewRequest([]Message{{Role: RoleUser, Content: "please debug this stack trace"}}, ObjectiveCost, Constraints{}, nil)
	require.NoError(t, err)

	d, err := e.Route(context.Background(), req, auth)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", d.Model)
	assert.Equal(t, "t1", d.TestID)
	assert.Equal(t, "B", d.Variant)
	assert.True(t, d.InExperiment())
	require.Len(t, sel.seen, 1)
	assert.Equal(t, Subject{UserID: "user-1", Segment: "beta", RequestType: "debug"}, sel.seen[0])

	// a variant that violates the constraints is not used
	capped := mustRequest(t, ObjectiveCost, Constraints{MaxCost: ptr(0.001)})
	d, err = e.Route(context.Background(), capped, auth)
	require.NoError(t, err)
	assert.False(t, d.InExperiment())
	assert.LessOrEqual(t, d.EstimatedCost, 0.001)

	// anonymous callers never enter experiments
	d, err = e.Route(context.Background(), req, enterprise)
	require.NoError(t, err)
	assert.False(t, d.InExperiment())

	// selector failures do not fail routing
	sel.err = errors.New("store down")
	d, err = e.Route(context.Background(), req, auth)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", d.Model)
}

func TestRouteUsesRequestTypeMetadata(t *testing.T) {
	sel := &fakeSelector{}
	e := NewEngine(nil, WithVariantSelector(sel))
	req, err := NewRequest([]Message{{Role: RoleUser, Content: "hello"}}, "", Constraints{}, map[string]string{MetadataRequestType: "code"})
	require.NoError(t, err)

	auth := enterprise
	auth.UserID = "u"
	_, err = e.Route(context.Background(), req, auth)
	require.NoError(t, err)
	require.Len(t, sel.seen, 1)
	assert.Equal(t, "code", sel.seen[0].RequestType)
}

func TestEvaluateMarksExclusions(t *testing.T) {
	e := NewEngine(nil)
	req := mustRequest(t, ObjectiveCost, Constraints{MinQuality: ptr(0.9), DenyProviders: []string{"google"}})

	cands, err := e.Evaluate(req, AuthContext{Tier: policy.TierPro})
	require.NoError(t, err)
	require.Len(t, cands, 10)

	reasons := map[string]string{}
	for _, c := range cands {
		reasons[c.Provider+"/"+c.Model] = c.Excluded
	}
	assert.Equal(t, ExcludedTier, reasons["openai/o1"])
	assert.Equal(t, ExcludedDenied, reasons["google/gemini-2.0-flash"])
	assert.Equal(t, ExcludedMinQuality, reasons["openai/gpt-4o"])
	assert.Equal(t, "", reasons["anthropic/claude-sonnet-4-20250514"])
}

func TestEstimatedCostUsesMaxTokens(t *testing.T) {
	e := NewEngine(nil)
	req, err := NewRequest([]Message{{Role: RoleUser, Content: "abcdefgh"}}, ObjectiveCost, Constraints{}, map[string]string{MetadataMaxTokens: "1000"})
	require.NoError(t, err)

	cands, err := e.Evaluate(req, enterprise)
	require.NoError(t, err)
	for _, c := range cands {
		if c.Provider == "openai" && c.Model == "gpt-4o-mini" {
			// 2 prompt tokens, 1000 completion tokens
			assert.InDelta(t, 2.0/1000*0.00015+0.0006, c.Cost, 1e-12)
			return
		}
	}
	t.Fatal("gpt-4o-mini not evaluated")
}
