package metric

import (
	"math"
	"testing"
)

func TestDirection(t *testing.T) {
	cases := map[Name]Direction{
		Cost:             LowerIsBetter,
		ResponseTime:     LowerIsBetter,
		Quality:          HigherIsBetter,
		Accuracy:         HigherIsBetter,
		UserSatisfaction: HigherIsBetter,
	}
	for name, want := range cases {
		if got := name.Direction(); got != want {
			t.Fatalf("%s: expected %s, got %s", name, want, got)
		}
	}
}

func TestParse(t *testing.T) {
	for _, in := range []string{"cost", "ResponseTime", "response_time", " user_satisfaction "} {
		if _, err := Parse(in); err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
	}
	if _, err := Parse("throughput"); err == nil {
		t.Fatalf("expected error for unknown metric")
	}
}

func TestCompare(t *testing.T) {
	p := Prediction{Cost: 0.01, ResponseTimeMs: 1000, Quality: 0.8}
	o := Observation{Cost: 0.01, ResponseTimeMs: 1000, Quality: Float(0.8)}
	d := Compare(p, o)
	if d.Score != 1 {
		t.Fatalf("expected perfect score, got %.3f", d.Score)
	}

	o.ResponseTimeMs = 2000
	d = Compare(p, o)
	if d.ResponseTimeDelta != 1000 {
		t.Fatalf("unexpected delta %.1f", d.ResponseTimeDelta)
	}
	if math.Abs(d.ResponseTimeError-0.5) > 1e-9 {
		t.Fatalf("unexpected relative error %.3f", d.ResponseTimeError)
	}
	if math.Abs(d.Score-(1-0.5/3)) > 1e-9 {
		t.Fatalf("unexpected score %.3f", d.Score)
	}
}

func TestCompareZeroActual(t *testing.T) {
	d := Compare(Prediction{Cost: 0.5}, Observation{})
	if d.CostError != 1 {
		t.Fatalf("expected capped error, got %.2f", d.CostError)
	}
	if math.IsNaN(d.Score) {
		t.Fatalf("score must not be NaN")
	}
}

func TestCompareWithoutQuality(t *testing.T) {
	p := Prediction{Cost: 0.01, ResponseTimeMs: 1000, Quality: 0.8}
	d := Compare(p, Observation{Cost: 0.01, ResponseTimeMs: 2000})
	if d.QualityDelta != nil || d.QualityError != nil {
		t.Fatalf("unobserved quality must leave quality deltas unset")
	}
	if math.Abs(d.Score-(1-0.5/2)) > 1e-9 {
		t.Fatalf("score should average cost and latency only, got %.3f", d.Score)
	}

	d = Compare(p, Observation{Cost: 0.01, ResponseTimeMs: 1000, Quality: Float(0.4)})
	if d.QualityDelta == nil || math.Abs(*d.QualityDelta+0.4) > 1e-9 {
		t.Fatalf("unexpected quality delta %v", d.QualityDelta)
	}
	if math.Abs(d.Score-(1-1.0/3)) > 1e-9 {
		t.Fatalf("unexpected score %.3f", d.Score)
	}
}
