package router

import (
	"sort"
	"strings"
)

// RuleSet contains the compiled request-type triggers.
type RuleSet struct {
	// Compiled rules ordered by priority (longer triggers first for specificity)
	rules []compiledRule
}

type compiledRule struct {
	requestType string
	trigger     string
}

// NewRuleSet compiles trigger phrases keyed by request type.
func NewRuleSet(requestTypes map[string][]string) *RuleSet {
	rs := &RuleSet{}
	for name, triggers := range requestTypes {
		for _, trigger := range triggers {
			trigger = strings.ToLower(strings.TrimSpace(trigger))
			if trigger == "" {
				continue
			}
			rs.rules = append(rs.rules, compiledRule{requestType: name, trigger: trigger})
		}
	}

	// Longer triggers are more specific; ties keep map iteration from
	// leaking into the order.
	sort.Slice(rs.rules, func(i, j int) bool {
		a, b := rs.rules[i], rs.rules[j]
		if len(a.trigger) != len(b.trigger) {
			return len(a.trigger) > len(b.trigger)
		}
		if a.trigger != b.trigger {
			return a.trigger < b.trigger
		}
		return a.requestType < b.requestType
	})
	return rs
}

// Match returns the request type of the most specific trigger found in the
// prompt, or "default".
func (rs *RuleSet) Match(prompt string) string {
	promptLower := strings.ToLower(prompt)
	for _, rule := range rs.rules {
		if containsTrigger(promptLower, rule.trigger) {
			return rule.requestType
		}
	}
	return DefaultRequestType
}

// Len returns the number of compiled triggers.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// containsTrigger checks if the prompt contains the trigger phrase.
// It looks for the trigger as a word or phrase boundary match.
func containsTrigger(prompt, trigger string) bool {
	for start := 0; start < len(prompt); {
		idx := strings.Index(prompt[start:], trigger)
		if idx == -1 {
			return false
		}
		idx += start

		endIdx := idx + len(trigger)
		before := idx == 0 || !isWordChar(prompt[idx-1])
		after := endIdx >= len(prompt) || !isWordChar(prompt[endIdx])
		if before && after {
			return true
		}
		start = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
