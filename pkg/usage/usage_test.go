package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/mlroute/pkg/observability"
	"github.com/zen-systems/mlroute/pkg/policy"
)

func TestMemoryTrackerTotals(t *testing.T) {
	tr := NewMemoryTracker(MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, tr.TrackUsage(ctx, "app-1", OperationComplete, Metrics{Provider: "openai", Model: "gpt-4o", Cost: 0.01, ResponseTimeMs: 100, Successful: true}))
	require.NoError(t, tr.TrackUsage(ctx, "app-1", OperationComplete, Metrics{Provider: "openai", Model: "gpt-4o", Cost: 0.03, ResponseTimeMs: 300, ErrorCode: "timeout"}))
	require.NoError(t, tr.TrackUsage(ctx, "app-2", OperationRoute, Metrics{Successful: true}))

	app, ok := tr.AppTotals("app-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), app.Requests)
	assert.Equal(t, int64(1), app.Failures)
	assert.InDelta(t, 0.04, app.Cost, 1e-12)
	assert.InDelta(t, 200, app.MeanResponseTimeMs(), 1e-9)

	model, ok := tr.ModelTotals("openai", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, int64(2), model.Requests)
	assert.Len(t, tr.Summary(), 1)

	_, ok = tr.AppTotals("missing")
	assert.False(t, ok)
}

func TestMemoryTrackerPrunes(t *testing.T) {
	tr := NewMemoryTracker(MemoryConfig{MaxAge: time.Hour, MaxCount: 3})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.TrackUsage(ctx, "app", OperationRoute, Metrics{Cost: float64(i)}))
	}
	recent := tr.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 2.0, recent[0].Metrics.Cost)

	now = now.Add(2 * time.Hour)
	require.NoError(t, tr.TrackUsage(ctx, "app", OperationRoute, Metrics{Cost: 9}))
	recent = tr.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, 9.0, recent[0].Metrics.Cost)

	// totals are not pruned with the log
	app, _ := tr.AppTotals("app")
	assert.Equal(t, int64(6), app.Requests)
}

func TestReporterIsBestEffort(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	var calls atomic.Int32
	failing := TrackerFunc(func(ctx context.Context, appID, op string, _ Metrics) error {
		calls.Add(1)
		if appID == "panic" {
			panic("sink exploded")
		}
		return errors.New("sink down")
	})
	r := NewReporter(failing, WithReporterMetrics(m), WithReportTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	r.Report(ctx, "app", OperationComplete, Metrics{})
	r.Report(ctx, "panic", OperationComplete, Metrics{})
	cancel()
	r.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UsageFailures))
}

func TestReporterDetachesFromCaller(t *testing.T) {
	var sawCancel atomic.Bool
	tracker := TrackerFunc(func(ctx context.Context, _, _ string, _ Metrics) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	})
	r := NewReporter(tracker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Report(ctx, "app", OperationRoute, Metrics{Successful: true})
	r.Wait()
	assert.False(t, sawCancel.Load())

	var nilReporter *Reporter
	assert.NotPanics(t, func() {
		nilReporter.Report(context.Background(), "app", OperationRoute, Metrics{})
		nilReporter.Wait()
		NewReporter(nil).Report(context.Background(), "app", OperationRoute, Metrics{})
	})
}

func TestTierLimiterAdmit(t *testing.T) {
	l := NewTierLimiter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	free, err := policy.NewRegistry().Get(policy.TierFree)
	require.NoError(t, err)

	for i := 0; i < free.Burst; i++ {
		rl, ok := l.Admit("app", free)
		require.True(t, ok, "request %d", i)
		assert.Equal(t, free.Burst-i, rl.Remaining)
		assert.False(t, rl.Exhausted(now))
	}

	rl, ok := l.Admit("app", free)
	assert.False(t, ok)
	assert.Equal(t, 0, rl.Remaining)
	assert.True(t, rl.Exhausted(now))
	// 20 requests per minute: one token every three seconds
	assert.InDelta(t, 3.0, rl.Reset.Sub(now).Seconds(), 0.001)

	// other apps have their own bucket
	_, ok = l.Admit("other", free)
	assert.True(t, ok)

	now = now.Add(4 * time.Second)
	_, ok = l.Admit("app", free)
	assert.True(t, ok)
}

func TestTierLimiterUnlimitedAndTierChange(t *testing.T) {
	l := NewTierLimiter()
	rl, ok := l.Admit("app", policy.Tier{Name: "internal"})
	assert.True(t, ok)
	assert.Greater(t, rl.Remaining, 1000)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	small := policy.Tier{Name: "small", RequestsPerMinute: 60, Burst: 1}
	_, ok = l.Admit("app2", small)
	require.True(t, ok)
	_, ok = l.Admit("app2", small)
	assert.False(t, ok)

	big := policy.Tier{Name: "big", RequestsPerMinute: 60, Burst: 10}
	now = now.Add(2 * time.Second)
	_, ok = l.Admit("app2", big)
	assert.True(t, ok)
}
