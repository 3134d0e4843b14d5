package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
)

// ChaseParser parses Chase bank checking CSV exports.
type ChaseParser struct {
	tolerance decimal.Decimal
}

const (
	chaseDateFormat = "01/02/2006"
	chaseNumFields  = 7
	chaseColDate    = 1
	chaseColDesc    = 2
	chaseColAmount  = 3
	chaseColBalance = 5
)

// NewChaseParser returns a Chase parser reconciling within tolerance.
func NewChaseParser(tolerance decimal.Decimal) *ChaseParser {
	return &ChaseParser{tolerance: tolerance}
}

// BankID returns the registry key.
func (p *ChaseParser) BankID() string { return "chase" }

// Parse reads a Chase CSV. Exports list the newest row first; lines are
// returned oldest first. The statement number is the posting date range.
func (p *ChaseParser) Parse(data []byte) (*model.StatementDocument, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = chaseNumFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, unparsable("reading chase CSV: %v", err)
	}
	if len(records) <= 1 {
		return nil, unparsable("chase CSV has no transactions")
	}

	lines := make([]model.RawTransaction, 0, len(records)-1)
	for i, rec := range records[1:] {
		txn, err := parseChaseRow(rec)
		if err != nil {
			return nil, unparsable("row %d: %v", i+2, err)
		}
		lines = append(lines, txn)
	}
	switch first, last := lines[0].Date, lines[len(lines)-1].Date; {
	case first.After(last):
		slices.Reverse(lines)
	case first.Equal(last) && len(lines) > 1:
		// One posting day: only the running balances show the order. Try
		// newest first, as exports are written, then file order.
		slices.Reverse(lines)
		if doc, err := p.document(lines); err != nil || checkRunningBalances(doc, p.tolerance) != nil {
			slices.Reverse(lines)
		}
	}

	doc, err := p.document(lines)
	if err != nil {
		return nil, err
	}
	if err := checkRunningBalances(doc, p.tolerance); err != nil {
		return nil, err
	}
	if err := Reconcile(doc, p.tolerance); err != nil {
		return nil, err
	}
	return doc, nil
}

// document derives the statement from lines in chronological order.
func (p *ChaseParser) document(lines []model.RawTransaction) (*model.StatementDocument, error) {
	first, last := lines[0], lines[len(lines)-1]
	if !first.Balance.Valid || !last.Balance.Valid {
		return nil, unparsable("chase CSV is missing running balances")
	}
	return &model.StatementDocument{
		BankID:          p.BankID(),
		StatementNumber: first.Date.Format("20060102") + "-" + last.Date.Format("20060102"),
		StatementDate:   last.Date,
		OpeningBalance:  first.Balance.Decimal.Sub(first.Type.Signed(first.Amount)),
		ClosingBalance:  last.Balance.Decimal,
		Lines:           lines,
	}, nil
}

func parseChaseRow(rec []string) (model.RawTransaction, error) {
	date, err := time.Parse(chaseDateFormat, strings.TrimSpace(rec[chaseColDate]))
	if err != nil {
		return model.RawTransaction{}, fmt.Errorf("parsing date %q: %w", rec[chaseColDate], err)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(rec[chaseColAmount]))
	if err != nil {
		return model.RawTransaction{}, fmt.Errorf("parsing amount %q: %w", rec[chaseColAmount], err)
	}

	var balance decimal.NullDecimal
	if s := strings.TrimSpace(rec[chaseColBalance]); s != "" {
		b, err := decimal.NewFromString(s)
		if err != nil {
			return model.RawTransaction{}, fmt.Errorf("parsing balance %q: %w", s, err)
		}
		balance = decimal.NewNullDecimal(b)
	}

	typ := model.TypeCredit
	if amount.IsNegative() {
		typ = model.TypeDebit
	}

	desc := strings.TrimSpace(rec[chaseColDesc])
	return model.RawTransaction{
		Date:        date,
		Description: desc,
		Amount:      amount.Abs(),
		Type:        typ,
		Balance:     balance,
		Reference:   makeChaseRef(date, desc),
	}, nil
}

// makeChaseRef creates a reference like chase_20250103_GITHUB.
func makeChaseRef(date time.Time, desc string) string {
	prefix := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, desc)
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	return fmt.Sprintf("chase_%s_%s", date.Format("20060102"), prefix)
}
