package experiment

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/mlroute/pkg/metric"
	"github.com/zen-systems/mlroute/pkg/router"
)

const baseDefinition = `
name: cheaper model
variant_a: {provider: openai, model: gpt-4o}
variant_b: {provider: openai, model: gpt-4o-mini}
primary_metric: response_time
`

func TestParseDefinitionDefaults(t *testing.T) {
	cfg, err := ParseDefinition([]byte(baseDefinition))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MinSampleSize)
	assert.Equal(t, 0.05, cfg.SignificanceLevel)
	assert.Equal(t, 1.0, cfg.TrafficAllocation)
	assert.Equal(t, metric.ResponseTime, cfg.PrimaryMetric)
	assert.Equal(t, 1.0, cfg.VariantA.Weight)
	assert.Equal(t, 1.0, cfg.VariantB.Weight)
	assert.NoError(t, cfg.Validate())
}

func TestParseDefinitionTrafficAllocation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want float64
	}{
		{name: "absent", doc: baseDefinition, want: 1},
		{name: "explicit zero", doc: baseDefinition + "traffic_allocation: 0\n", want: 0},
		{name: "partial", doc: baseDefinition + "traffic_allocation: 0.25\n", want: 0.25},
		{
			name: "json zero",
			doc:  `{"name":"x","variant_a":{"provider":"openai","model":"gpt-4o"},"variant_b":{"provider":"openai","model":"o1"},"traffic_allocation":0}`,
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseDefinition([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.TrafficAllocation)
		})
	}
}

func TestZeroAllocationEnrollsNobody(t *testing.T) {
	ctx := context.Background()
	cfg, err := ParseDefinition([]byte(baseDefinition + "id: holdout\ntraffic_allocation: 0\n"))
	require.NoError(t, err)

	m, _ := newTestManager(t)
	startedTest(t, m, cfg)

	for i := 0; i < 1000; i++ {
		v, err := m.AssignVariant(ctx, "holdout", router.Subject{UserID: fmt.Sprintf("user-%d", i)})
		require.NoError(t, err)
		require.Equal(t, VariantNone, v, "user-%d was enrolled", i)
	}
}

func TestParseDefinitionRejectsGarbage(t *testing.T) {
	_, err := ParseDefinition([]byte("name: [unterminated"))
	assert.ErrorIs(t, err, ErrInvalidTestConfig)

	_, err = ParseDefinition([]byte(baseDefinition + "secondary_metrics: [throughput]\n"))
	assert.ErrorIs(t, err, ErrInvalidTestConfig)
}
