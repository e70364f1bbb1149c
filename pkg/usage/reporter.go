package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zen-systems/mlroute/pkg/observability"
)

// Reporter forwards usage to a Tracker without ever failing the caller.
// Calls run in the background with their own deadline; errors and panics
// are logged and counted.
type Reporter struct {
	tracker Tracker
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithReportTimeout bounds each tracker call.
func WithReportTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithReporterMetrics counts failed calls.
func WithReporterMetrics(m *observability.Metrics) ReporterOption {
	return func(r *Reporter) {
		r.metrics = m
	}
}

// WithReporterLogger sets the logger for failures.
func WithReporterLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReporter wraps tracker. A nil tracker drops everything.
func NewReporter(tracker Tracker, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		tracker: tracker,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "usage")
	return r
}

// Report hands the metrics to the tracker and returns immediately.
func (r *Reporter) Report(ctx context.Context, appID, operation string, m Metrics) {
	if r == nil || r.tracker == nil {
		return
	}
	// The parent request may finish before the tracker does.
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.track(ctx, appID, operation, m); err != nil {
			r.metrics.UsageFailure()
			r.logger.Warn("usage tracking failed", "app_id", appID, "operation", operation, "error", err)
		}
	}()
}

func (r *Reporter) track(ctx context.Context, appID, operation string, m Metrics) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tracker panic: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.tracker.TrackUsage(ctx, appID, operation, m)
}

// Wait blocks until in-flight reports finish.
func (r *Reporter) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
