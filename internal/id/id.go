package id

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
)

const dateFormat = "2006-01-02"

// Fingerprint returns the dedup key for a statement line: a hex SHA-256 over
// date, description, amount, type and statement number.
// Description whitespace is collapsed so re-extracted text hashes the same.
func Fingerprint(date time.Time, description string, amount decimal.Decimal, typ model.TxnType, statementNumber string) string {
	key := strings.Join([]string{
		date.Format(dateFormat),
		NormalizeDescription(description),
		amount.StringFixed(2),
		string(typ),
		strings.TrimSpace(statementNumber),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ForRaw returns the fingerprint of a raw line within a statement.
func ForRaw(raw model.RawTransaction, statementNumber string) string {
	return Fingerprint(raw.Date, raw.Description, raw.Amount, raw.Type, statementNumber)
}

// NormalizeDescription collapses runs of whitespace and trims the ends.
func NormalizeDescription(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StatementKey returns "bank/number", the lock and lookup key for a statement.
func StatementKey(bankID, statementNumber string) string {
	return strings.ToLower(bankID) + "/" + statementNumber
}
