// Package inference talks to the language model that classifies statement
// lines the rules could not place.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
)

// ErrBackend wraps every failure reaching or understanding the backend.
var ErrBackend = errors.New("inference backend")

// Query is one transaction to classify.
type Query struct {
	Description string
	Amount      decimal.Decimal // signed, debits negative
}

// Answer is the backend's classification. Category may be outside the
// allowed set; callers coerce it.
type Answer struct {
	Category         string
	RecipientOrPayer string
	Confidence       model.Confidence
}

// Backend classifies transactions into one of the allowed categories.
type Backend interface {
	Classify(ctx context.Context, q Query, categories []string) (Answer, error)
	// ClassifyBatch returns exactly len(qs) answers, in order.
	ClassifyBatch(ctx context.Context, qs []Query, categories []string) ([]Answer, error)
	CheckConnection(ctx context.Context) error
	Models(ctx context.Context) ([]string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend string // ollama, openai or gemini
	Host    string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// New builds the configured backend, bounded by cfg.Timeout.
func New(ctx context.Context, cfg Config) (Backend, error) {
	var (
		c   Completer
		err error
	)
	switch cfg.Backend {
	case "ollama", "":
		c = NewOllama(cfg.Host, cfg.Model)
	case "openai":
		c = NewOpenAI(cfg.Host, cfg.Model, cfg.APIKey)
	case "gemini":
		c, err = NewGemini(ctx, cfg.Model, cfg.APIKey)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
	return WithTimeout(NewChatBackend(c), cfg.Timeout), nil
}

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

// WithTimeout bounds every call to b by d. A zero d returns b unchanged.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{next: b, timeout: d}
}

func (t *timeoutBackend) Classify(ctx context.Context, q Query, categories []string) (Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Classify(ctx, q, categories)
}

func (t *timeoutBackend) ClassifyBatch(ctx context.Context, qs []Query, categories []string) ([]Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.ClassifyBatch(ctx, qs, categories)
}

func (t *timeoutBackend) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.CheckConnection(ctx)
}

func (t *timeoutBackend) Models(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Models(ctx)
}
