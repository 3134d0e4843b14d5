package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxnType is the direction of money movement on a statement line.
type TxnType string

const (
	TypeDebit  TxnType = "debit"
	TypeCredit TxnType = "credit"
)

// Valid reports whether t is debit or credit.
func (t TxnType) Valid() bool {
	return t == TypeDebit || t == TypeCredit
}

// Signed returns amount with the sign implied by t (debits negative).
func (t TxnType) Signed(amount decimal.Decimal) decimal.Decimal {
	if t == TypeDebit {
		return amount.Neg()
	}
	return amount
}

// Confidence describes how a category was arrived at.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// RawTransaction is one parsed statement line. It has no identity until persisted.
type RawTransaction struct {
	Date        time.Time
	Description string
	Amount      decimal.Decimal // positive magnitude
	Type        TxnType
	Balance     decimal.NullDecimal // running balance, when printed
	Reference   string
}

// Transaction is a persisted, classified statement line.
type Transaction struct {
	BankID           string
	StatementNumber  string
	Date             time.Time
	Description      string
	Amount           decimal.Decimal
	Type             TxnType
	Balance          decimal.NullDecimal
	Reference        string
	Category         string // empty until classified
	RecipientOrPayer string
	Confidence       Confidence
	ClassifiedBy     string // "rule", "backend" or "fallback"
	Fingerprint      string
	ImportedAt       time.Time
}

// SignedAmount returns the amount negated for debits.
func (t Transaction) SignedAmount() decimal.Decimal {
	return t.Type.Signed(t.Amount)
}
