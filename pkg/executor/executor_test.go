package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/mlroute/pkg/adapter"
	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/metric"
	"github.com/zen-systems/mlroute/pkg/router"
	"github.com/zen-systems/mlroute/pkg/usage"
)

type staticCatalog struct{ cfg *config.RoutingConfig }

func (c staticCatalog) Catalog() *config.RoutingConfig { return c.cfg }

type recorder struct {
	mu      sync.Mutex
	results []experiment.Result
	err     error
}

func (r *recorder) RecordResult(_ context.Context, res experiment.Result) (experiment.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return experiment.Result{}, r.err
	}
	res.ID = "res-1"
	r.results = append(r.results, res)
	return res, nil
}

// stepClock advances 50ms every time it is read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(50 * time.Millisecond)
	return c.now
}

type harness struct {
	exec    *Executor
	mock    *adapter.MockAdapter
	tracker *usage.MemoryTracker
	rep     *usage.Reporter
	rec     *recorder
	sleeps  []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultRoutingConfig()
	cfg.Providers["mock"] = config.ProviderSpec{Models: map[string]config.ModelSpec{
		"mock-1": {Class: config.ClassMini, PromptPer1K: 1, CompletionPer1K: 2, LatencyMs: 100, Quality: 0.7},
	}}

	h := &harness{
		mock:    adapter.NewMockAdapter(),
		tracker: usage.NewMemoryTracker(usage.MemoryConfig{}),
		rec:     &recorder{},
	}
	h.rep = usage.NewReporter(h.tracker)
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	h.exec = New(adapter.Registry{"mock": h.mock}, staticCatalog{cfg},
		WithReporter(h.rep),
		WithResultRecorder(h.rec),
		WithClock(clock.Now),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
	return h
}

func testCall(t *testing.T, d router.Decision) Call {
	t.Helper()
	req, err := router.NewRequest([]router.Message{
		{Role: router.RoleSystem, Content: "be brief"},
		{Role: router.RoleUser, Content: "summarize the report"},
	}, router.ObjectiveCost, router.Constraints{}, map[string]string{router.MetadataMaxTokens: "300"})
	require.NoError(t, err)
	return Call{
		Request:   req,
		Decision:  &d,
		Auth:      router.AuthContext{AppID: "app1", UserID: "u1", Tier: "pro"},
		RequestID: "req-1",
		UserAgent: "test",
	}
}

func mockDecision() router.Decision {
	return router.Decision{
		Provider:           "mock",
		Model:              "mock-1",
		EstimatedCost:      1.5,
		EstimatedLatencyMs: 100,
		EstimatedQuality:   0.7,
		Objective:          router.ObjectiveCost,
	}
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	h.mock.Usage = &adapter.Usage{PromptTokens: 1000, CompletionTokens: 500}

	out, err := h.exec.Execute(context.Background(), testCall(t, mockDecision()))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1500, out.Usage.TotalTokens)
	assert.InDelta(t, 2.0, out.ActualCost, 1e-9)
	assert.Equal(t, out.ActualCost, out.Observation.Cost)
	assert.Positive(t, out.Latency)
	assert.InDelta(t, 0.5, out.Deltas.CostDelta, 1e-9)
	assert.Empty(t, out.ResultID, "not an experiment decision")
	assert.Empty(t, h.rec.results)

	h.rep.Wait()
	tot, ok := h.tracker.AppTotals("app1")
	require.True(t, ok)
	assert.Equal(t, int64(1), tot.Requests)
	assert.Equal(t, int64(0), tot.Failures)
	assert.Equal(t, int64(1000), tot.PromptTokens)
	assert.InDelta(t, 2.0, tot.Cost, 1e-9)
}

func TestExecuteEstimatesMissingUsage(t *testing.T) {
	h := newHarness(t)
	call := testCall(t, mockDecision())

	out, err := h.exec.Execute(context.Background(), call)
	require.NoError(t, err)
	// The mock estimates usage itself; drop it to exercise the fallback.
	u := normalizeUsage(nil, call.Request, 300)
	assert.Equal(t, call.Request.PromptTokens(), u.PromptTokens)
	assert.Equal(t, 300, u.CompletionTokens)
	assert.Equal(t, u.PromptTokens+300, u.TotalTokens)
	assert.Positive(t, out.Usage.TotalTokens)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	h.mock.Failures = []error{
		&adapter.AdapterError{Provider: "mock", Status: 503},
		&adapter.AdapterError{Provider: "mock", Status: 429},
	}

	out, err := h.exec.Execute(context.Background(), testCall(t, mockDecision()))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, h.sleeps)
	assert.Equal(t, 3, h.mock.Calls())
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.mock.Failures = append(h.mock.Failures, &adapter.AdapterError{Provider: "mock", Status: 500})
	}

	_, err := h.exec.Execute(context.Background(), testCall(t, mockDecision()))
	require.Error(t, err)
	assert.Equal(t, 3, h.mock.Calls(), "one call plus two retries")

	h.rep.Wait()
	tot, ok := h.tracker.AppTotals("app1")
	require.True(t, ok)
	assert.Equal(t, int64(1), tot.Failures)
}

func TestExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	h := newHarness(t)
	var got []usage.Metrics
	var mu sync.Mutex
	h.exec.reporter = usage.NewReporter(usage.TrackerFunc(func(_ context.Context, _, op string, m usage.Metrics) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, usage.OperationComplete, op)
		got = append(got, m)
		return nil
	}))
	h.mock.Failures = []error{&adapter.AdapterError{Provider: "mock", Status: 400, Err: errors.New("bad prompt")}}

	_, err := h.exec.Execute(context.Background(), testCall(t, mockDecision()))
	assert.ErrorContains(t, err, "bad prompt")
	assert.Equal(t, 1, h.mock.Calls())
	assert.Empty(t, h.sleeps)

	h.exec.reporter.Wait()
	require.Len(t, got, 1)
	assert.False(t, got[0].Successful)
	assert.Equal(t, "bad_request", got[0].ErrorCode)
	assert.Equal(t, "test", got[0].UserAgent)
}

func TestExecuteRecordsExperimentResults(t *testing.T) {
	h := newHarness(t)
	d := mockDecision()
	d.TestID = "t1"
	d.Variant = "B"

	out, err := h.exec.Execute(context.Background(), testCall(t, d))
	require.NoError(t, err)
	assert.Equal(t, "res-1", out.ResultID)
	require.Len(t, h.rec.results, 1)
	res := h.rec.results[0]
	assert.Equal(t, "t1", res.TestID)
	assert.Equal(t, experiment.VariantB, res.Variant)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, out.Observation, res.Actual)
	assert.Equal(t, "mock", res.Prediction.Provider)
}

func TestExecuteLeavesUnscoredQualityUnobserved(t *testing.T) {
	h := newHarness(t)
	d := mockDecision()
	d.TestID = "t1"
	d.Variant = "A"

	out, err := h.exec.Execute(context.Background(), testCall(t, d))
	require.NoError(t, err)
	assert.Nil(t, out.Observation.Quality, "predicted quality is not an observation")
	assert.Nil(t, out.Deltas.QualityDelta)
	assert.Nil(t, out.Deltas.QualityError)

	require.Len(t, h.rec.results, 1)
	_, ok := h.rec.results[0].Value(metric.Quality)
	assert.False(t, ok, "analysis must skip unscored quality")
}

func TestExecuteUsesScorer(t *testing.T) {
	tests := []struct {
		name   string
		scorer ScorerFunc
		want   *float64
	}{
		{
			name: "scored",
			scorer: func(context.Context, *router.Request, *adapter.Response) (float64, bool, error) {
				return 0.9, true, nil
			},
			want: metric.Float(0.9),
		},
		{
			name: "declined",
			scorer: func(context.Context, *router.Request, *adapter.Response) (float64, bool, error) {
				return 0, false, nil
			},
		},
		{
			name: "failed",
			scorer: func(context.Context, *router.Request, *adapter.Response) (float64, bool, error) {
				return 0.9, true, errors.New("judge unavailable")
			},
		},
		{
			name: "out of range",
			scorer: func(context.Context, *router.Request, *adapter.Response) (float64, bool, error) {
				return 1.5, true, nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.exec.scorer = tt.scorer

			out, err := h.exec.Execute(context.Background(), testCall(t, mockDecision()))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Observation.Quality)
			if tt.want != nil {
				require.NotNil(t, out.Deltas.QualityDelta)
				assert.InDelta(t, 0.2, *out.Deltas.QualityDelta, 1e-9)
			}
		})
	}
}

func TestExecuteIgnoresRecorderFailures(t *testing.T) {
	h := newHarness(t)
	h.rec.err = experiment.ErrTestNotRunning
	d := mockDecision()
	d.TestID = "t1"
	d.Variant = "A"

	out, err := h.exec.Execute(context.Background(), testCall(t, d))
	require.NoError(t, err)
	assert.Empty(t, out.ResultID)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.Execute(context.Background(), Call{})
	assert.ErrorIs(t, err, router.ErrInvalidRequest)

	call := testCall(t, mockDecision())
	call.Decision = nil
	_, err = h.exec.Execute(context.Background(), call)
	assert.ErrorIs(t, err, ErrNoDecision)

	d := mockDecision()
	d.Provider = "anthropic"
	_, err = h.exec.Execute(context.Background(), testCall(t, d))
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{3, 1600 * time.Millisecond},
		{4, 2000 * time.Millisecond},
		{10, 2000 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, computeBackoff(200, 2000, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSleepWithContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepWithContext(context.Background(), 0))
}
