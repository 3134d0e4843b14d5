package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatementDocument is the parsed form of one bank statement.
type StatementDocument struct {
	BankID          string
	StatementNumber string // derived from document content, stable across re-parses
	StatementDate   time.Time
	OpeningBalance  decimal.Decimal
	ClosingBalance  decimal.Decimal
	Lines           []RawTransaction
}

// Totals returns the sums of debit and credit lines.
func (d *StatementDocument) Totals() (debits, credits decimal.Decimal) {
	debits, credits = decimal.Zero, decimal.Zero
	for _, l := range d.Lines {
		switch l.Type {
		case TypeDebit:
			debits = debits.Add(l.Amount)
		case TypeCredit:
			credits = credits.Add(l.Amount)
		}
	}
	return debits, credits
}

// Statement is the persisted metadata for an imported statement.
type Statement struct {
	BankID          string
	StatementNumber string
	StatementDate   time.Time
	OpeningBalance  decimal.Decimal
	ClosingBalance  decimal.Decimal
	SourcePath      string
	ImportedAt      time.Time
}

// Mode selects how an import treats previously imported rows.
type Mode string

const (
	// ModeNew inserts only rows whose fingerprint is not yet stored.
	ModeNew Mode = "new"
	// ModeReplace deletes the statement's rows first, then imports as new.
	ModeReplace Mode = "replace"
)

// ImportResult summarizes one statement import.
type ImportResult struct {
	RunID           string
	BankID          string
	StatementNumber string
	Path            string
	Mode            Mode
	Inserted        int
	Skipped         int
	Reclassified    int
	Duration        time.Duration
}
