package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/tally/internal/classify"
	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/inference"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
	"github.com/cleared-dev/tally/internal/store/memory"
)

var testRules = []classify.Rule{
	{Pattern: "Woolworths", Category: "groceries"},
	{Pattern: "Shell", Category: "fuel"},
	{Pattern: "Salary", Category: "salary"},
}

var testCategories = []string{"groceries", "fuel", "medical", "salary", "subscriptions", "other"}

type stmtLine struct {
	day    int
	desc   string
	amount string
	credit bool
}

// fnbText renders an FNB statement whose balances reconcile.
func fnbText(number string, lines []stmtLine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Statement Number : %s\n", number)
	b.WriteString("Statement Date : 31 January 2025\n")
	b.WriteString("Opening Balance 1,000.00 Cr\n")
	b.WriteString("Transactions in RAND (ZAR)\n")
	b.WriteString("Date Description Amount Balance\n")

	bal := decimal.NewFromInt(1000)
	for _, l := range lines {
		amt := decimal.RequireFromString(l.amount)
		suffix := ""
		if l.credit {
			bal = bal.Add(amt)
			suffix = " Cr"
		} else {
			bal = bal.Sub(amt)
		}
		fmt.Fprintf(&b, "%02d Jan %s %s%s %s\n", l.day, l.desc, amt.StringFixed(2), suffix, balance(bal))
	}
	fmt.Fprintf(&b, "Closing Balance %s\n", balance(bal))
	return b.String()
}

func balance(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.Abs().StringFixed(2) + " Dr"
	}
	return d.StringFixed(2) + " Cr"
}

func writeDoc(t *testing.T, name, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func tenLines() []stmtLine {
	return []stmtLine{
		{2, "POS Purchase Woolworths Sandton", "450.00", false},
		{3, "Shell Ultra City N1", "620.00", false},
		{5, "Salary ACME Ltd", "15000.00", true},
		{6, "Engen Rivonia", "300.00", false},
		{8, "Checkers Hyper", "812.35", false},
		{10, "Netflix", "199.00", false},
		{12, "Dis-Chem Pharmacy", "245.90", false},
		{15, "City Power Prepaid", "500.00", false},
		{20, "FNB App Payment To J Doe", "1500.00", false},
		{28, "Interest Received", "12.34", true},
	}
}

// stubBackend always answers with answer, or fails with err.
type stubBackend struct {
	mu     sync.Mutex
	answer inference.Answer
	err    error
	seen   []string
}

func (s *stubBackend) Classify(_ context.Context, q inference.Query, _ []string) (inference.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, q.Description)
	return s.answer, s.err
}

func (s *stubBackend) ClassifyBatch(_ context.Context, qs []inference.Query, _ []string) ([]inference.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range qs {
		s.seen = append(s.seen, q.Description)
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]inference.Answer, len(qs))
	for i := range out {
		out[i] = s.answer
	}
	return out, nil
}

func (s *stubBackend) CheckConnection(context.Context) error { return s.err }

func (s *stubBackend) Models(context.Context) ([]string, error) { return nil, s.err }

func (s *stubBackend) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type fixture struct {
	store   *memory.Store
	backend *stubBackend
	coord   *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	b := &stubBackend{answer: inference.Answer{Category: "subscriptions", Confidence: model.ConfidenceMedium}}
	engine, err := classify.NewEngine(classify.Config{Categories: testCategories, Rules: testRules}, b, nil)
	require.NoError(t, err)

	st := memory.New()
	return &fixture{
		store:   st,
		backend: b,
		coord:   New(importer.DefaultRegistry(importer.DefaultTolerance), engine, st, opts...),
	}
}

func (f *fixture) rows(t *testing.T, statement string) []model.Transaction {
	t.Helper()
	txns, err := f.store.Transactions(context.Background(), store.Filter{BankID: "fnb", StatementNumber: statement})
	require.NoError(t, err)
	return txns
}

func fingerprintSet(txns []model.Transaction) map[string]bool {
	out := make(map[string]bool, len(txns))
	for _, t := range txns {
		out[t.Fingerprint] = true
	}
	return out
}
