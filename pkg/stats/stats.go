// Package stats implements the sample statistics and two-sample tests used
// to compare experiment variants.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Summary describes one sample.
type Summary struct {
	N        int     `json:"n"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
	Variance float64 `json:"variance"`
}

// Summarize computes the mean and Bessel-corrected standard deviation.
// Samples with fewer than two values report a zero deviation.
func Summarize(values []float64) Summary {
	s := Summary{N: len(values)}
	switch len(values) {
	case 0:
		return s
	case 1:
		s.Mean = values[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	s.Variance = s.StdDev * s.StdDev
	return s
}

// TTest is the outcome of a Welch two-sample t-test.
type TTest struct {
	T       float64 `json:"t"`
	DF      float64 `json:"df"`
	StdErr  float64 `json:"std_err"`
	PValue  float64 `json:"p_value"`
	Defined bool    `json:"defined"`
}

// Welch compares b against a without assuming equal variances. T is
// (b.Mean - a.Mean) / SE with SE = sqrt(varA/nA + varB/nB) and DF from the
// Welch–Satterthwaite equation. The p-value is two-sided and uses the exact
// Student-t CDF.
//
// Both samples need at least two values; otherwise Defined is false and the
// p-value is 1. When both variances are zero the test degenerates: equal
// means give p=1, different means give p=0.
func Welch(a, b Summary) TTest {
	if a.N < 2 || b.N < 2 {
		return TTest{PValue: 1}
	}
	va := a.Variance / float64(a.N)
	vb := b.Variance / float64(b.N)
	se := math.Sqrt(va + vb)
	diff := b.Mean - a.Mean

	if se == 0 {
		res := TTest{Defined: true, DF: float64(a.N + b.N - 2), PValue: 1}
		if diff != 0 {
			res.T = math.Copysign(math.Inf(1), diff)
			res.PValue = 0
		}
		return res
	}

	t := diff / se
	df := (va + vb) * (va + vb) /
		(va*va/float64(a.N-1) + vb*vb/float64(b.N-1))
	return TTest{
		T:       t,
		DF:      df,
		StdErr:  se,
		PValue:  StudentPValue(t, df),
		Defined: true,
	}
}

// StudentPValue returns the two-sided p-value of t under a Student-t
// distribution with df degrees of freedom.
func StudentPValue(t, df float64) float64 {
	if math.IsNaN(t) || df <= 0 || math.IsNaN(df) {
		return 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return clampProb(2 * dist.Survival(math.Abs(t)))
}

// NormalPValue returns the two-sided p-value of t under the standard normal
// distribution. It is the large-sample approximation of StudentPValue and
// always understates the p-value because normal tails are lighter. At t=2
// (p close to 0.05) the absolute error is about 0.03 at df=10, 0.01 at
// df=30, 0.002 at df=120 and 0.0005 at df=500. Do not use it for samples
// smaller than 30.
func NormalPValue(t float64) float64 {
	if math.IsNaN(t) {
		return 1
	}
	return clampProb(2 * distuv.UnitNormal.Survival(math.Abs(t)))
}

// ZCritical returns z such that P(|Z| > z) = alpha for a standard normal Z.
func ZCritical(alpha float64) float64 {
	if alpha <= 0 || alpha >= 1 {
		return math.NaN()
	}
	return distuv.UnitNormal.Quantile(1 - alpha/2)
}

func clampProb(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 1
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
