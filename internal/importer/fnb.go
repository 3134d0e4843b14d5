package importer

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/pdftext"
)

// FNBParser parses FNB cheque account statements, either as PDF or as
// text already extracted from one.
type FNBParser struct {
	tolerance decimal.Decimal
}

const fnbStatementDateFormat = "2 January 2006"

var (
	fnbStatementNumberRe = regexp.MustCompile(`^Statement Number\s*:\s*(\S+)`)
	fnbStatementDateRe   = regexp.MustCompile(`^Statement Date\s*:\s*(\d{1,2} [A-Za-z]+ \d{4})`)
	fnbOpeningRe         = regexp.MustCompile(`^Opening Balance\s+([\d,]+\.\d{2})(?:\s+(Cr|Dr))?$`)
	fnbClosingRe         = regexp.MustCompile(`^Closing Balance\s+([\d,]+\.\d{2})(?:\s+(Cr|Dr))?$`)
	fnbLineRe            = regexp.MustCompile(
		`^(\d{1,2}) ([A-Z][a-z]{2}) (.+?) ([\d,]+\.\d{2})( Cr)?(?: ([\d,]+\.\d{2})(?: (Cr|Dr))?)?$`)
	fnbPageFooterRe = regexp.MustCompile(`^Page \d+ of \d+$`)
	fnbHeaderRe     = regexp.MustCompile(`^Date\s+Description\b`)
)

// NewFNBParser returns an FNB parser reconciling within tolerance.
func NewFNBParser(tolerance decimal.Decimal) *FNBParser {
	return &FNBParser{tolerance: tolerance}
}

// BankID returns the registry key.
func (p *FNBParser) BankID() string { return "fnb" }

// Parse extracts header balances and the transaction table, then
// reconciles line by line and against the closing balance.
func (p *FNBParser) Parse(data []byte) (*model.StatementDocument, error) {
	text, err := pdftext.Text(data)
	if err != nil {
		if errors.Is(err, pdftext.ErrNoText) {
			return nil, unparsable("pdf has no text layer")
		}
		return nil, unparsable("%v", err)
	}

	doc := &model.StatementDocument{BankID: p.BankID()}
	var (
		haveOpening, haveClosing bool
		inTable, sawTable        bool
		pending                  []string
		stray                    string // first dated line outside the table
	)

	for _, raw := range strings.Split(text, "\n") {
		line := strings.Join(strings.Fields(raw), " ")
		if line == "" || fnbPageFooterRe.MatchString(line) {
			continue
		}

		switch {
		case fnbStatementNumberRe.MatchString(line):
			doc.StatementNumber = fnbStatementNumberRe.FindStringSubmatch(line)[1]
			continue
		case fnbStatementDateRe.MatchString(line):
			d, err := time.Parse(fnbStatementDateFormat, fnbStatementDateRe.FindStringSubmatch(line)[1])
			if err != nil {
				return nil, unparsable("statement date %q: %v", line, err)
			}
			doc.StatementDate = d
			continue
		case fnbOpeningRe.MatchString(line):
			m := fnbOpeningRe.FindStringSubmatch(line)
			doc.OpeningBalance, err = fnbBalance(m[1], m[2])
			if err != nil {
				return nil, unparsable("opening balance: %v", err)
			}
			haveOpening = true
			continue
		case fnbClosingRe.MatchString(line):
			m := fnbClosingRe.FindStringSubmatch(line)
			doc.ClosingBalance, err = fnbBalance(m[1], m[2])
			if err != nil {
				return nil, unparsable("closing balance: %v", err)
			}
			haveClosing = true
			inTable = false
			continue
		case strings.HasPrefix(line, "Transactions in"):
			inTable, sawTable = true, true
			continue
		}

		if fnbHeaderRe.MatchString(line) {
			continue
		}
		if fnbLineRe.MatchString(line) {
			if !inTable {
				if stray == "" {
					stray = line
				}
				continue
			}
			pending = append(pending, line)
			continue
		}
		if !inTable {
			continue
		}
		// Continuation of the previous description.
		if len(pending) > 0 {
			pending[len(pending)-1] += "\x00" + line
		}
	}

	switch {
	case doc.StatementNumber == "":
		return nil, unparsable("missing statement number")
	case doc.StatementDate.IsZero():
		return nil, unparsable("missing statement date")
	case !haveOpening:
		return nil, unparsable("missing opening balance")
	case !haveClosing:
		return nil, unparsable("missing closing balance")
	case !sawTable:
		return nil, unparsable("missing transaction table")
	case stray != "":
		return nil, unparsable("transaction line outside the transaction table: %q", stray)
	}

	for _, entry := range pending {
		txn, err := p.parseLine(entry, doc.StatementDate)
		if err != nil {
			return nil, err
		}
		doc.Lines = append(doc.Lines, txn)
	}

	if err := checkRunningBalances(doc, p.tolerance); err != nil {
		return nil, err
	}
	if err := Reconcile(doc, p.tolerance); err != nil {
		return nil, err
	}
	return doc, nil
}

// parseLine parses a dated table row with its continuation lines joined
// by NUL.
func (p *FNBParser) parseLine(entry string, stmtDate time.Time) (model.RawTransaction, error) {
	parts := strings.Split(entry, "\x00")
	m := fnbLineRe.FindStringSubmatch(parts[0])

	date, err := fnbLineDate(m[1], m[2], stmtDate)
	if err != nil {
		return model.RawTransaction{}, unparsable("line %q: %v", parts[0], err)
	}

	amount, err := decimal.NewFromString(strings.ReplaceAll(m[4], ",", ""))
	if err != nil {
		return model.RawTransaction{}, unparsable("line %q: amount: %v", parts[0], err)
	}
	typ := model.TypeDebit
	if m[5] != "" {
		typ = model.TypeCredit
	}

	var balance decimal.NullDecimal
	if m[6] != "" {
		b, err := fnbBalance(m[6], m[7])
		if err != nil {
			return model.RawTransaction{}, unparsable("line %q: balance: %v", parts[0], err)
		}
		balance = decimal.NewNullDecimal(b)
	}

	desc := strings.Join(append([]string{m[3]}, parts[1:]...), " ")
	return model.RawTransaction{
		Date:        date,
		Description: desc,
		Amount:      amount,
		Type:        typ,
		Balance:     balance,
	}, nil
}

// fnbLineDate resolves "DD Mon" against the statement date. Months after
// the statement month belong to the previous year (December lines on a
// January statement).
func fnbLineDate(day, mon string, stmtDate time.Time) (time.Time, error) {
	d, err := time.Parse("2 Jan", day+" "+mon)
	if err != nil {
		return time.Time{}, err
	}
	year := stmtDate.Year()
	if d.Month() > stmtDate.Month() {
		year--
	}
	return time.Date(year, d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
}

// fnbBalance parses "1,234.56" with an optional Cr/Dr suffix. Dr is overdrawn.
func fnbBalance(amount, suffix string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.ReplaceAll(amount, ",", ""))
	if err != nil {
		return decimal.Zero, err
	}
	if suffix == "Dr" {
		v = v.Neg()
	}
	return v, nil
}
