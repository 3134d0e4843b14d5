package classify

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/inference"
	"github.com/cleared-dev/tally/internal/model"
)

// DefaultBatchSize is the number of lines sent per backend call.
const DefaultBatchSize = 15

// BackendStrategy asks an inference backend, in chunks. Backend failures
// leave the chunk unclassified so the fallback applies.
type BackendStrategy struct {
	backend    inference.Backend
	categories []string
	fallback   string
	batchSize  int
	log        *zap.Logger
}

// NewBackendStrategy creates a backend strategy. Answers outside
// categories are coerced to fallback.
func NewBackendStrategy(b inference.Backend, categories []string, fallback string, batchSize int, log *zap.Logger) *BackendStrategy {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BackendStrategy{
		backend:    b,
		categories: categories,
		fallback:   fallback,
		batchSize:  batchSize,
		log:        log,
	}
}

// Name implements Strategy.
func (s *BackendStrategy) Name() string { return SourceBackend }

// Classify implements Strategy.
func (s *BackendStrategy) Classify(ctx context.Context, inputs []Input) []*Result {
	out := make([]*Result, len(inputs))
	for start := 0; start < len(inputs); start += s.batchSize {
		end := min(start+s.batchSize, len(inputs))
		answers, err := s.ask(ctx, inputs[start:end])
		if err != nil {
			s.log.Warn("classification backend failed, using fallback",
				zap.Error(err),
				zap.Int("lines", end-start))
			continue
		}
		for j, a := range answers {
			if start+j >= end {
				break
			}
			r := s.toResult(a)
			out[start+j] = &r
		}
	}
	return out
}

func (s *BackendStrategy) ask(ctx context.Context, chunk []Input) ([]inference.Answer, error) {
	if len(chunk) == 1 {
		a, err := s.backend.Classify(ctx, query(chunk[0]), s.categories)
		if err != nil {
			return nil, err
		}
		return []inference.Answer{a}, nil
	}

	qs := make([]inference.Query, len(chunk))
	for i, in := range chunk {
		qs[i] = query(in)
	}
	return s.backend.ClassifyBatch(ctx, qs, s.categories)
}

func (s *BackendStrategy) toResult(a inference.Answer) Result {
	category := NormalizeCategory(a.Category)
	if !slices.Contains(s.categories, category) {
		return Result{
			Category:         s.fallback,
			RecipientOrPayer: a.RecipientOrPayer,
			Confidence:       model.ConfidenceLow,
			Source:           SourceFallback,
		}
	}
	conf := a.Confidence
	if conf == "" {
		conf = model.ConfidenceMedium
	}
	return Result{
		Category:         category,
		RecipientOrPayer: a.RecipientOrPayer,
		Confidence:       conf,
		Source:           SourceBackend,
	}
}

func query(in Input) inference.Query {
	return inference.Query{Description: in.Description, Amount: in.Amount}
}
