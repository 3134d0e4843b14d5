package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cleared-dev/tally/internal/model"
)

// Completer sends one system and user prompt to a chat model and returns
// the raw reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CheckConnection(ctx context.Context) error
	Models(ctx context.Context) ([]string, error)
}

// ChatBackend implements Backend by prompting a chat model for JSON.
type ChatBackend struct {
	completer Completer
}

// NewChatBackend wraps a Completer.
func NewChatBackend(c Completer) *ChatBackend {
	return &ChatBackend{completer: c}
}

const systemPrompt = "You classify personal bank statement transactions. " +
	"Reply with strict JSON only. No markdown, no code fences, no commentary."

// Classify asks for a single JSON object.
func (b *ChatBackend) Classify(ctx context.Context, q Query, categories []string) (Answer, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Categories: %s\n\n", strings.Join(categories, ", "))
	fmt.Fprintf(&sb, "Transaction: %q, amount %s\n\n", q.Description, q.Amount.StringFixed(2))
	sb.WriteString(`Return one JSON object: {"category": "<one of the categories>", ` +
		`"recipient_or_payer": "<name or null>", "confidence": "high|medium|low"}`)

	reply, err := b.completer.Complete(ctx, systemPrompt, sb.String())
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return parseAnswer(reply)
}

// ClassifyBatch asks for a JSON array with one object per query. Short
// replies are padded with empty answers and long ones truncated.
func (b *ChatBackend) ClassifyBatch(ctx context.Context, qs []Query, categories []string) ([]Answer, error) {
	if len(qs) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Categories: %s\n\nTransactions:\n", strings.Join(categories, ", "))
	for i, q := range qs {
		fmt.Fprintf(&sb, "%d. %q, amount %s\n", i+1, q.Description, q.Amount.StringFixed(2))
	}
	fmt.Fprintf(&sb, "\nReturn a JSON array of exactly %d objects in the same order: "+
		`[{"category": "<one of the categories>", "recipient_or_payer": "<name or null>", `+
		`"confidence": "high|medium|low"}]`, len(qs))

	reply, err := b.completer.Complete(ctx, systemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return parseBatch(reply, len(qs))
}

// CheckConnection reports whether the backend is reachable.
func (b *ChatBackend) CheckConnection(ctx context.Context) error {
	if err := b.completer.CheckConnection(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return nil
}

// Models lists the models the backend offers.
func (b *ChatBackend) Models(ctx context.Context) ([]string, error) {
	models, err := b.completer.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return models, nil
}

type answerJSON struct {
	Category         string  `json:"category"`
	RecipientOrPayer *string `json:"recipient_or_payer"`
	Confidence       string  `json:"confidence"`
}

func (a answerJSON) toAnswer() Answer {
	out := Answer{
		Category:   strings.ToLower(strings.TrimSpace(a.Category)),
		Confidence: model.Confidence(strings.ToLower(strings.TrimSpace(a.Confidence))),
	}
	if a.RecipientOrPayer != nil {
		r := strings.TrimSpace(*a.RecipientOrPayer)
		if !strings.EqualFold(r, "null") && !strings.EqualFold(r, "none") {
			out.RecipientOrPayer = r
		}
	}
	switch out.Confidence {
	case model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow:
	default:
		out.Confidence = model.ConfidenceMedium
	}
	return out
}

func parseAnswer(reply string) (Answer, error) {
	raw, ok := extractJSON(reply, '{', '}')
	if !ok {
		return Answer{}, fmt.Errorf("%w: no JSON object in reply %q", ErrBackend, reply)
	}
	var a answerJSON
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Answer{}, fmt.Errorf("%w: decoding reply: %w", ErrBackend, err)
	}
	return a.toAnswer(), nil
}

func parseBatch(reply string, n int) ([]Answer, error) {
	raw, ok := extractJSON(reply, '[', ']')
	if !ok {
		return nil, fmt.Errorf("%w: no JSON array in reply %q", ErrBackend, reply)
	}
	var items []answerJSON
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: decoding reply: %w", ErrBackend, err)
	}

	out := make([]Answer, n)
	for i := 0; i < n && i < len(items); i++ {
		out[i] = items[i].toAnswer()
	}
	return out, nil
}

// extractJSON strips code fences and returns the outermost open..close span.
func extractJSON(reply string, open, close byte) (string, bool) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
