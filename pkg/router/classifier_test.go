package router

import (
	"math"
	"testing"
)

func TestClassifyConfidence(t *testing.T) {
	c := NewClassifier(map[string][]string{
		"alpha": {"alpha", "beta", "gamma"},
		"beta":  {"alpha", "beta"},
	})

	got := c.Classify("alpha beta gamma")
	if got.RequestType != "alpha" {
		t.Fatalf("expected alpha, got %s", got.RequestType)
	}
	if len(got.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got.Candidates))
	}
	if got.Candidates[0].Score != 3 || got.Candidates[1].Score != 2 {
		t.Fatalf("unexpected scores: %+v", got.Candidates)
	}

	// margin 1/3, strength 3/5, plus 0.15 for three matches
	want := 0.75*(1.0/3) + 0.25*0.6 + 0.15
	if math.Abs(got.Confidence-want) > 1e-9 {
		t.Fatalf("confidence mismatch: got %.3f want %.3f", got.Confidence, want)
	}
}

func TestClassifyStrongMatch(t *testing.T) {
	c := NewClassifier(map[string][]string{
		"alpha": {"alpha", "beta", "gamma"},
		"beta":  {"delta"},
	})

	got := c.Classify("alpha beta gamma")
	if got.RequestType != "alpha" {
		t.Fatalf("expected alpha, got %s", got.RequestType)
	}
	if got.Confidence < 0.9 {
		t.Fatalf("expected high confidence, got %.2f", got.Confidence)
	}
}

func TestClassifyNoMatches(t *testing.T) {
	c := NewClassifier(map[string][]string{"alpha": {"alpha"}})

	got := c.Classify("no matches here")
	if got.RequestType != DefaultRequestType {
		t.Fatalf("expected default, got %s", got.RequestType)
	}
	if got.Confidence != 0 || len(got.Candidates) != 0 {
		t.Fatalf("expected empty classification, got %+v", got)
	}
}

func TestClassifyTieUsesMostSpecificTrigger(t *testing.T) {
	c := NewClassifier(map[string][]string{
		"aaa": {"refactor"},
		"zzz": {"large refactor"},
	})

	// Both types match one trigger; the longer phrase wins over the
	// alphabetical order.
	got := c.Classify("a large refactor please")
	if got.RequestType != "zzz" {
		t.Fatalf("expected zzz, got %s (%v)", got.RequestType, got.Reasons)
	}
}

func TestNilClassifier(t *testing.T) {
	var c *Classifier
	if got := c.Classify("anything"); got.RequestType != DefaultRequestType {
		t.Fatalf("expected default, got %s", got.RequestType)
	}
}
