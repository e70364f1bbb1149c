package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		mean   float64
		std    float64
	}{
		{name: "empty", values: nil},
		{name: "single", values: []float64{4}, mean: 4},
		{name: "bessel corrected", values: []float64{2, 4, 4, 4, 5, 5, 7, 9}, mean: 5, std: 2.138089935299395},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(tt.values)
			assert.Equal(t, len(tt.values), s.N)
			assert.InDelta(t, tt.mean, s.Mean, 1e-12)
			assert.InDelta(t, tt.std, s.StdDev, 1e-12)
			assert.False(t, math.IsNaN(s.StdDev))
		})
	}
}

func TestWelch(t *testing.T) {
	a := Summarize([]float64{27.5, 21.0, 19.0, 23.6, 17.0, 17.9, 16.9, 20.1, 21.9, 22.6, 23.1, 19.6, 19.0, 21.7, 21.4})
	b := Summarize([]float64{27.1, 22.0, 20.8, 23.4, 23.4, 23.5, 25.8, 22.0, 24.8, 20.2, 21.9, 22.1, 22.9, 20.5, 24.4})

	res := Welch(a, b)
	require.True(t, res.Defined)
	assert.InDelta(t, 2.4554, res.T, 0.001)
	assert.InDelta(t, 24.99, res.DF, 0.01)
	assert.InDelta(t, 0.0214, res.PValue, 0.001)
}

func TestWelchUndefined(t *testing.T) {
	res := Welch(Summarize([]float64{1}), Summarize(nil))
	assert.False(t, res.Defined)
	assert.Equal(t, 1.0, res.PValue)
}

func TestWelchZeroVariance(t *testing.T) {
	same := Welch(Summarize([]float64{1, 1, 1}), Summarize([]float64{1, 1}))
	assert.Equal(t, 1.0, same.PValue)

	diff := Welch(Summarize([]float64{1, 1, 1}), Summarize([]float64{2, 2}))
	assert.Equal(t, 0.0, diff.PValue)
	assert.True(t, math.IsInf(diff.T, 1))
}

func TestNormalApproximationUnderstatesPValue(t *testing.T) {
	for _, df := range []float64{5, 10, 30, 120} {
		exact := StudentPValue(2.0, df)
		approx := NormalPValue(2.0)
		assert.Less(t, approx, exact, "df=%v", df)
	}
	assert.InDelta(t, StudentPValue(2.0, 500), NormalPValue(2.0), 0.001)
}

func TestZCritical(t *testing.T) {
	assert.InDelta(t, 1.959964, ZCritical(0.05), 1e-5)
	assert.InDelta(t, 2.575829, ZCritical(0.01), 1e-5)
	assert.True(t, math.IsNaN(ZCritical(0)))
}
