package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RoutingDecision("openai", "gpt-4o-mini", "cost")
	m.RoutingDecision("openai", "gpt-4o-mini", "cost")
	m.RoutingFailure("no_candidate")
	m.Assignment("")
	m.Assignment("A")
	m.Analysis("insufficient_data", false)
	m.Analysis("insufficient_data", true)
	m.SchedulerTick(0)
	m.SchedulerTick(2)
	m.UsageFailure()
	m.ObserveProvider("anthropic", "claude", 1500*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("openai", "gpt-4o-mini", "cost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Assignments.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerTicks.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UsageFailures))
	assert.Equal(t, 2, testutil.CollectAndCount(m.AnalysisRuns))

	expected := `
		# HELP mlroute_routing_failures_total Total number of failed routing attempts
		# TYPE mlroute_routing_failures_total counter
		mlroute_routing_failures_total{reason="no_candidate"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.RoutingFailures, strings.NewReader(expected)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProviderLatency))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RoutingDecision("p", "m", "cost")
		m.RoutingFailure("x")
		m.ObserveProvider("p", "m", time.Second, nil)
		m.Assignment("B")
		m.Result("B")
		m.Analysis("no_clear_winner", false)
		m.Transition("running")
		m.UsageFailure()
		m.SchedulerTick(0)
	})
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)

	logger.Info("dropped")
	logger.Warn("kept", "component", "router")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "router", rec["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	RecordError(span, errors.New("ignored by the no-op tracer"))
	span.End()
}
