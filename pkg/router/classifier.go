package router

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultRequestType is reported when no trigger matches.
const DefaultRequestType = "default"

// TypeCandidate captures a heuristic candidate request type.
type TypeCandidate struct {
	RequestType string   `json:"request_type"`
	Score       int      `json:"score"`
	Triggers    []string `json:"triggers,omitempty"`
}

// Classification is the classifier's verdict for one prompt.
type Classification struct {
	RequestType string          `json:"request_type"`
	Confidence  float64         `json:"confidence"`
	Reasons     []string        `json:"reasons,omitempty"`
	Candidates  []TypeCandidate `json:"candidates,omitempty"`
}

// Classifier labels prompts with a request type from trigger phrases.
// Experiments use the label for eligibility filtering.
type Classifier struct {
	requestTypes map[string][]string
	rules        *RuleSet
}

// NewClassifier builds a classifier over request type trigger lists.
func NewClassifier(requestTypes map[string][]string) *Classifier {
	return &Classifier{requestTypes: requestTypes, rules: NewRuleSet(requestTypes)}
}

// Classify scores request types by how many of their triggers appear.
func (c *Classifier) Classify(prompt string) Classification {
	if c == nil || len(c.requestTypes) == 0 {
		return Classification{RequestType: DefaultRequestType}
	}
	promptLower := strings.ToLower(prompt)

	var candidates []TypeCandidate
	for requestType, triggers := range c.requestTypes {
		var matched []string
		for _, trig := range triggers {
			if containsTrigger(promptLower, strings.ToLower(trig)) {
				matched = append(matched, trig)
			}
		}
		if len(matched) == 0 {
			continue
		}
		candidates = append(candidates, TypeCandidate{
			RequestType: requestType,
			Score:       len(matched),
			Triggers:    matched,
		})
	}

	if len(candidates) == 0 {
		return Classification{
			RequestType: DefaultRequestType,
			Reasons:     []string{"no triggers matched; using default"},
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].RequestType < candidates[j].RequestType
		}
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	topScore := candidates[0].Score
	secondScore := 0
	if len(candidates) > 1 {
		secondScore = candidates[1].Score
	}

	margin := float64(topScore-secondScore) / float64(max(topScore, 1))
	strength := float64(min(topScore, 5)) / 5.0
	confidence := 0.75*margin + 0.25*strength
	if topScore >= 2 && secondScore == 0 {
		confidence = max(confidence, 0.9)
	}
	if topScore >= 3 {
		confidence = min(confidence+0.15, 1.0)
	}

	chosen := candidates[0].RequestType
	reasons := []string{fmt.Sprintf("top_score=%d second_score=%d", topScore, secondScore)}
	if topScore == secondScore {
		// Equal counts: the most specific trigger decides.
		if specific := c.rules.Match(prompt); specific != DefaultRequestType && tied(candidates, specific, topScore) {
			chosen = specific
			reasons = append(reasons, "tie broken by most specific trigger")
		}
	}

	return Classification{
		RequestType: chosen,
		Confidence:  confidence,
		Reasons:     reasons,
		Candidates:  candidates,
	}
}

func tied(candidates []TypeCandidate, requestType string, score int) bool {
	for _, c := range candidates {
		if c.RequestType == requestType && c.Score == score {
			return true
		}
	}
	return false
}
