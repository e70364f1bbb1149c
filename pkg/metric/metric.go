// Package metric defines the measurable outcomes of a routed request and
// how predicted values compare with observed ones.
package metric

import (
	"fmt"
	"math"
	"strings"
)

// Name identifies a metric that experiments can be judged on.
type Name string

const (
	Cost             Name = "cost"
	ResponseTime     Name = "responseTime"
	Quality          Name = "quality"
	Accuracy         Name = "accuracy"
	UserSatisfaction Name = "userSatisfaction"
)

// Direction states whether smaller or larger values are preferable.
type Direction int

const (
	LowerIsBetter Direction = iota
	HigherIsBetter
)

func (d Direction) String() string {
	if d == LowerIsBetter {
		return "lower_is_better"
	}
	return "higher_is_better"
}

// All returns every known metric in a stable order.
func All() []Name {
	return []Name{Cost, ResponseTime, Quality, Accuracy, UserSatisfaction}
}

// Valid reports whether n is a known metric.
func (n Name) Valid() bool {
	for _, m := range All() {
		if m == n {
			return true
		}
	}
	return false
}

// Direction returns the preferred direction for the metric. Cost and
// response time improve as they shrink; everything else improves as it grows.
func (n Name) Direction() Direction {
	switch n {
	case Cost, ResponseTime:
		return LowerIsBetter
	default:
		return HigherIsBetter
	}
}

// Parse resolves a metric name case-insensitively. Snake case spellings
// ("response_time", "user_satisfaction") are accepted.
func Parse(s string) (Name, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for _, m := range All() {
		if strings.ToLower(string(m)) == key {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Prediction is what the routing engine expected a request to cost.
type Prediction struct {
	Provider       string  `json:"provider" yaml:"provider"`
	Model          string  `json:"model" yaml:"model"`
	Cost           float64 `json:"cost" yaml:"cost"`
	ResponseTimeMs float64 `json:"response_time_ms" yaml:"response_time_ms"`
	Quality        float64 `json:"quality" yaml:"quality"`
}

// Observation is what a request actually cost once executed. Quality and
// user satisfaction are only known when something scored the response, so
// they are nil when unobserved.
type Observation struct {
	Cost             float64  `json:"cost" yaml:"cost"`
	ResponseTimeMs   float64  `json:"response_time_ms" yaml:"response_time_ms"`
	Quality          *float64 `json:"quality,omitempty" yaml:"quality,omitempty"`
	UserSatisfaction *float64 `json:"user_satisfaction,omitempty" yaml:"user_satisfaction,omitempty"`
}

// Float returns a pointer to v, for optional observation fields.
func Float(v float64) *float64 { return &v }

// Deltas holds prediction-vs-actual differences for a single request.
// Each delta is actual minus predicted; relative errors are absolute and
// normalised by the actual value. The quality fields are nil when the
// observation carries no quality.
type Deltas struct {
	CostDelta         float64  `json:"cost_delta"`
	ResponseTimeDelta float64  `json:"response_time_delta"`
	QualityDelta      *float64 `json:"quality_delta,omitempty"`
	CostError         float64  `json:"cost_error"`
	ResponseTimeError float64  `json:"response_time_error"`
	QualityError      *float64 `json:"quality_error,omitempty"`
	Score             float64  `json:"score"`
}

// Compare computes the deltas between a prediction and an observation.
// Score is 1 minus the mean relative error over the observed dimensions,
// clamped to [0,1].
func Compare(p Prediction, o Observation) Deltas {
	d := Deltas{
		CostDelta:         o.Cost - p.Cost,
		ResponseTimeDelta: o.ResponseTimeMs - p.ResponseTimeMs,
		CostError:         relativeError(p.Cost, o.Cost),
		ResponseTimeError: relativeError(p.ResponseTimeMs, o.ResponseTimeMs),
	}
	sum, n := d.CostError+d.ResponseTimeError, 2.0
	if o.Quality != nil {
		d.QualityDelta = Float(*o.Quality - p.Quality)
		d.QualityError = Float(relativeError(p.Quality, *o.Quality))
		sum += *d.QualityError
		n++
	}
	d.Score = clamp01(1 - sum/n)
	return d
}

func relativeError(predicted, actual float64) float64 {
	if actual == 0 {
		if predicted == 0 {
			return 0
		}
		return 1
	}
	return math.Min(math.Abs(actual-predicted)/math.Abs(actual), 1)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
