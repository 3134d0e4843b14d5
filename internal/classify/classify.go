// Package classify assigns a category to every statement line. Strategies
// run in order; each one only sees the lines earlier strategies missed, and
// whatever is left gets the fallback category.
package classify

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/inference"
	"github.com/cleared-dev/tally/internal/model"
)

// Sources recorded in Result.Source.
const (
	SourceRule     = "rule"
	SourceBackend  = "backend"
	SourceFallback = "fallback"
)

// DefaultFallback is the category for lines nothing else could place.
const DefaultFallback = "other"

// NormalizeCategory is the canonical form of a category name. Categories
// compare equal after normalization.
func NormalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// Input is one line to classify.
type Input struct {
	Description string
	Amount      decimal.Decimal // signed, debits negative
}

// Result is a classification outcome.
type Result struct {
	Category         string
	RecipientOrPayer string
	Confidence       model.Confidence
	Source           string
}

// Strategy classifies what it can. The returned slice has one entry per
// input; nil entries are misses.
type Strategy interface {
	Name() string
	Classify(ctx context.Context, inputs []Input) []*Result
}

// Config configures an Engine.
type Config struct {
	Categories []string
	Fallback   string
	Rules      []Rule
	BatchSize  int
}

// Engine runs the strategy chain.
type Engine struct {
	rules      *RuleStrategy
	strategies []Strategy
	categories []string
	fallback   string
	log        *zap.Logger
}

// NewEngine builds the chain: rules first, then backend (if not nil).
func NewEngine(cfg Config, backend inference.Backend, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fallback := NormalizeCategory(cfg.Fallback)
	if fallback == "" {
		fallback = DefaultFallback
	}

	categories := make([]string, 0, len(cfg.Categories)+1)
	for _, c := range cfg.Categories {
		if c = NormalizeCategory(c); !slices.Contains(categories, c) {
			categories = append(categories, c)
		}
	}
	if !slices.Contains(categories, fallback) {
		categories = append(categories, fallback)
	}

	for _, r := range cfg.Rules {
		if !slices.Contains(categories, NormalizeCategory(r.Category)) {
			return nil, fmt.Errorf("rule %q: unknown category %q", r.Pattern, r.Category)
		}
	}

	e := &Engine{
		rules:      NewRuleStrategy(cfg.Rules),
		categories: categories,
		fallback:   fallback,
		log:        log,
	}
	e.strategies = []Strategy{e.rules}
	if backend != nil {
		e.strategies = append(e.strategies, NewBackendStrategy(backend, categories, fallback, cfg.BatchSize, log))
	}
	return e, nil
}

// Categories returns the allowed categories, fallback included.
func (e *Engine) Categories() []string {
	return slices.Clone(e.categories)
}

// Fallback returns the fallback category name.
func (e *Engine) Fallback() string { return e.fallback }

// Classify classifies one line. It never fails; errors degrade to the fallback.
func (e *Engine) Classify(ctx context.Context, in Input) Result {
	return e.ClassifyBatch(ctx, []Input{in})[0]
}

// ClassifyBatch classifies lines in order.
func (e *Engine) ClassifyBatch(ctx context.Context, inputs []Input) []Result {
	results := make([]*Result, len(inputs))
	pending := make([]int, len(inputs))
	for i := range inputs {
		pending[i] = i
	}

	for _, s := range e.strategies {
		if len(pending) == 0 {
			break
		}
		batch := make([]Input, len(pending))
		for j, idx := range pending {
			batch[j] = inputs[idx]
		}

		got := s.Classify(ctx, batch)
		var missed []int
		for j, idx := range pending {
			if j < len(got) && got[j] != nil {
				results[idx] = got[j]
				continue
			}
			missed = append(missed, idx)
		}
		e.log.Debug("classification strategy done",
			zap.String("strategy", s.Name()),
			zap.Int("hits", len(pending)-len(missed)),
			zap.Int("misses", len(missed)))
		pending = missed
	}

	out := make([]Result, len(inputs))
	for i, r := range results {
		if r == nil {
			out[i] = e.fallbackResult()
			continue
		}
		out[i] = *r
	}
	return out
}

// ClassifyRulesOnly returns the rule match for in, without asking the backend.
func (e *Engine) ClassifyRulesOnly(in Input) (Result, bool) {
	r, ok := e.rules.Match(in.Description)
	if !ok {
		return Result{}, false
	}
	return ruleResult(r), true
}

func (e *Engine) fallbackResult() Result {
	return Result{
		Category:   e.fallback,
		Confidence: model.ConfidenceLow,
		Source:     SourceFallback,
	}
}
