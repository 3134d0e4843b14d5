package importer

import (
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
)

// DefaultTolerance absorbs cent rounding in printed balances.
var DefaultTolerance = decimal.New(1, -2)

// Reconcile checks opening + credits - debits against the closing balance.
func Reconcile(doc *model.StatementDocument, tolerance decimal.Decimal) error {
	debits, credits := doc.Totals()
	computed := doc.OpeningBalance.Add(credits).Sub(debits)
	if !within(computed, doc.ClosingBalance, tolerance) {
		return &ReconciliationError{
			Expected:  doc.ClosingBalance,
			Computed:  computed,
			Tolerance: tolerance,
		}
	}
	return nil
}

// checkRunningBalances walks the lines from the opening balance and
// verifies every printed running balance.
func checkRunningBalances(doc *model.StatementDocument, tolerance decimal.Decimal) error {
	running := doc.OpeningBalance
	for i, l := range doc.Lines {
		running = running.Add(l.Type.Signed(l.Amount))
		if !l.Balance.Valid {
			continue
		}
		if !within(running, l.Balance.Decimal, tolerance) {
			return &ReconciliationError{
				Expected:  l.Balance.Decimal,
				Computed:  running,
				Tolerance: tolerance,
				Line:      i + 1,
			}
		}
		running = l.Balance.Decimal
	}
	return nil
}

func within(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}
