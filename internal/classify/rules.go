package classify

import (
	"context"
	"strings"

	"github.com/cleared-dev/tally/internal/model"
)

// Rule maps a description substring to a category.
type Rule struct {
	Pattern  string `yaml:"pattern" validate:"required"`
	Category string `yaml:"category" validate:"required"`
}

// RuleStrategy matches rules in order; the first match wins.
//
// Matching is case-insensitive. PDF extraction often drops spaces, so a
// pattern without leading or trailing spaces also matches with all spaces
// removed from both sides ("Google One" matches "POSPurchaseGoogleOne").
// Patterns with boundary spaces (" Dr ") only match literally.
type RuleStrategy struct {
	rules []compiledRule
}

type compiledRule struct {
	Rule
	lower   string
	compact string // empty when the pattern has boundary spaces
}

// NewRuleStrategy compiles rules, keeping their order.
func NewRuleStrategy(rules []Rule) *RuleStrategy {
	s := &RuleStrategy{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		cr := compiledRule{
			Rule:  Rule{Pattern: r.Pattern, Category: NormalizeCategory(r.Category)},
			lower: strings.ToLower(r.Pattern),
		}
		if strings.TrimSpace(r.Pattern) == r.Pattern {
			cr.compact = removeSpaces(cr.lower)
		}
		s.rules = append(s.rules, cr)
	}
	return s
}

// Name implements Strategy.
func (s *RuleStrategy) Name() string { return SourceRule }

// Match returns the first rule matching description.
func (s *RuleStrategy) Match(description string) (Rule, bool) {
	lower := strings.ToLower(description)
	var compact string
	for _, r := range s.rules {
		if strings.Contains(lower, r.lower) {
			return r.Rule, true
		}
		if r.compact == "" {
			continue
		}
		if compact == "" {
			compact = removeSpaces(lower)
		}
		if strings.Contains(compact, r.compact) {
			return r.Rule, true
		}
	}
	return Rule{}, false
}

// Classify implements Strategy.
func (s *RuleStrategy) Classify(_ context.Context, inputs []Input) []*Result {
	out := make([]*Result, len(inputs))
	for i, in := range inputs {
		if r, ok := s.Match(in.Description); ok {
			res := ruleResult(r)
			out[i] = &res
		}
	}
	return out
}

func ruleResult(r Rule) Result {
	return Result{
		Category:   r.Category,
		Confidence: model.ConfidenceHigh,
		Source:     SourceRule,
	}
}

func removeSpaces(s string) string {
	return strings.Join(strings.Fields(s), "")
}
