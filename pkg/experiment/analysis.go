package experiment

import (
	"fmt"
	"math"
	"time"

	"github.com/zen-systems/mlroute/pkg/metric"
	"github.com/zen-systems/mlroute/pkg/stats"
)

// AnalysisStatus summarises what the data says so far.
type AnalysisStatus string

const (
	AnalysisInsufficientData AnalysisStatus = "insufficient_data"
	AnalysisVariantAWins     AnalysisStatus = "variant_a_wins"
	AnalysisVariantBWins     AnalysisStatus = "variant_b_wins"
	AnalysisNoClearWinner    AnalysisStatus = "no_clear_winner"
)

// Recommendation is the suggested next step for a test.
type Recommendation string

const (
	RecommendContinue      Recommendation = "continue_test"
	RecommendChooseA       Recommendation = "choose_variant_a"
	RecommendChooseB       Recommendation = "choose_variant_b"
	RecommendNoClearWinner Recommendation = "no_clear_winner"
	RecommendStop          Recommendation = "stop_test"
)

// MetricResult compares both variants on one metric.
type MetricResult struct {
	Metric    metric.Name   `json:"metric"`
	Direction string        `json:"direction"`
	A         stats.Summary `json:"a"`
	B         stats.Summary `json:"b"`
	// Improvement is the relative effect of B over A, positive when B is
	// better in the metric's own direction.
	Improvement float64 `json:"improvement"`
	T           float64 `json:"t"`
	DF          float64 `json:"df"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
	CILower     float64 `json:"ci_lower"`
	CIUpper     float64 `json:"ci_upper"`

	bBetter bool
}

// Analysis is derived from a test's results and config. It carries no
// timestamps, so analysing the same data twice gives identical values.
type Analysis struct {
	TestID      string         `json:"test_id"`
	Status      AnalysisStatus `json:"status"`
	SampleSizeA int            `json:"sample_size_a"`
	SampleSizeB int            `json:"sample_size_b"`
	MeanA       float64        `json:"mean_a"`
	MeanB       float64        `json:"mean_b"`
	StdDevA     float64        `json:"std_dev_a"`
	StdDevB     float64        `json:"std_dev_b"`
	EffectSize  float64        `json:"effect_size"`
	PValue      float64        `json:"p_value"`
	// Confidence is 1 - PValue.
	Confidence         float64        `json:"confidence"`
	IsSignificant      bool           `json:"is_significant"`
	Primary            MetricResult   `json:"primary"`
	Secondary          []MetricResult `json:"secondary,omitempty"`
	Recommendation     Recommendation `json:"recommendation"`
	Reason             string         `json:"reason"`
	MaxDurationReached bool           `json:"max_duration_reached"`
}

// Err reports ErrInsufficientData when a variant has fewer than two samples
// of the primary metric, the point below which no test statistic exists.
func (a *Analysis) Err() error {
	if a == nil {
		return nil
	}
	if a.SampleSizeA < 2 || a.SampleSizeB < 2 {
		return fmt.Errorf("%w: variant A has %d samples, variant B has %d", ErrInsufficientData, a.SampleSizeA, a.SampleSizeB)
	}
	return nil
}

func (a Analysis) clone() Analysis {
	out := a
	out.Secondary = append([]MetricResult(nil), a.Secondary...)
	return out
}

// maxDurationReached reports whether the test has run longer than its
// MaxDuration. Terminal tests are measured up to their end time.
func maxDurationReached(cfg Config, now time.Time) bool {
	if cfg.MaxDuration.Duration <= 0 || cfg.StartTime == nil {
		return false
	}
	return elapsed(cfg, now) > cfg.MaxDuration.Duration
}

func elapsed(cfg Config, now time.Time) time.Duration {
	if cfg.StartTime == nil {
		return 0
	}
	end := now
	if cfg.EndTime != nil {
		end = *cfg.EndTime
	}
	return end.Sub(*cfg.StartTime)
}

// Analyze computes the analysis of results under cfg. It is pure: the
// only input besides the arguments is now, used for the max-duration check.
func Analyze(cfg Config, results []Result, now time.Time) Analysis {
	alpha := cfg.SignificanceLevel
	primary := analyzeMetric(cfg.PrimaryMetric, results, alpha)

	a := Analysis{
		TestID:             cfg.ID,
		SampleSizeA:        primary.A.N,
		SampleSizeB:        primary.B.N,
		MeanA:              primary.A.Mean,
		MeanB:              primary.B.Mean,
		StdDevA:            primary.A.StdDev,
		StdDevB:            primary.B.StdDev,
		EffectSize:         primary.Improvement,
		PValue:             primary.PValue,
		Confidence:         1 - primary.PValue,
		IsSignificant:      primary.Significant,
		Primary:            primary,
		MaxDurationReached: maxDurationReached(cfg, now),
	}
	for _, name := range cfg.SecondaryMetrics {
		a.Secondary = append(a.Secondary, analyzeMetric(name, results, alpha))
	}

	minN := max(cfg.MinSampleSize, 2)
	switch {
	case a.SampleSizeA < minN || a.SampleSizeB < minN:
		a.Status, a.Recommendation = AnalysisInsufficientData, RecommendContinue
		a.Reason = fmt.Sprintf("need %d samples per variant, have A=%d B=%d", minN, a.SampleSizeA, a.SampleSizeB)
	case a.IsSignificant && primary.bBetter:
		a.Status, a.Recommendation = AnalysisVariantBWins, RecommendChooseB
		a.Reason = fmt.Sprintf("variant B improves %s by %.1f%% (p=%.4f < %.4g)", cfg.PrimaryMetric, 100*a.EffectSize, a.PValue, alpha)
	case a.IsSignificant:
		a.Status, a.Recommendation = AnalysisVariantAWins, RecommendChooseA
		a.Reason = fmt.Sprintf("variant A outperforms B on %s by %.1f%% (p=%.4f < %.4g)", cfg.PrimaryMetric, -100*a.EffectSize, a.PValue, alpha)
	case a.MaxDurationReached:
		a.Status, a.Recommendation = AnalysisNoClearWinner, RecommendStop
		a.Reason = fmt.Sprintf("max duration %s reached without significance (p=%.4f >= %.4g)", cfg.MaxDuration, a.PValue, alpha)
	default:
		a.Status, a.Recommendation = AnalysisNoClearWinner, RecommendContinue
		a.Reason = fmt.Sprintf("p=%.4f is not below significance level %.4g", a.PValue, alpha)
	}

	// A finished test cannot continue or be stopped again.
	if cfg.Status.Terminal() && (a.Recommendation == RecommendContinue || a.Recommendation == RecommendStop) {
		a.Recommendation = RecommendNoClearWinner
	}
	return a
}

func analyzeMetric(name metric.Name, results []Result, alpha float64) MetricResult {
	var va, vb []float64
	for _, r := range results {
		v, ok := r.Value(name)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		switch r.Variant {
		case VariantA:
			va = append(va, v)
		case VariantB:
			vb = append(vb, v)
		}
	}

	dir := name.Direction()
	res := MetricResult{
		Metric:    name,
		Direction: dir.String(),
		A:         stats.Summarize(va),
		B:         stats.Summarize(vb),
		PValue:    1,
	}
	if res.A.N == 0 || res.B.N == 0 {
		return res
	}

	// diff > 0 means B is better whichever way the metric points.
	diff := res.B.Mean - res.A.Mean
	if dir == metric.LowerIsBetter {
		diff = -diff
	}
	res.bBetter = diff > 0
	base := math.Abs(res.A.Mean)
	if base > 0 {
		res.Improvement = diff / base
	}

	tt := stats.Welch(res.A, res.B)
	if !tt.Defined {
		res.CILower, res.CIUpper = res.Improvement, res.Improvement
		return res
	}
	res.T = finite(tt.T)
	res.DF = tt.DF
	res.PValue = tt.PValue
	res.Significant = tt.PValue < alpha

	half := 0.0
	if base > 0 {
		half = stats.ZCritical(alpha) * tt.StdErr / base
	}
	res.CILower = res.Improvement - half
	res.CIUpper = res.Improvement + half
	return res
}

// finite clamps infinities so analyses stay JSON encodable.
func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.Copysign(math.MaxFloat64, v)
	}
	return v
}
