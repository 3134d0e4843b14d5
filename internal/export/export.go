// Package export writes stored transactions as CSV for spreadsheets.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/cleared-dev/tally/internal/model"
)

// Header is the first row of an export.
const Header = "Date,Description,Amount,Type,Category,Balance,Statement,Reference,Recipient/Payer"

const (
	numFields    = 9
	dateFormat   = "2006-01-02"
	colDate      = 0
	colDesc      = 1
	colAmount    = 2
	colType      = 3
	colCategory  = 4
	colBalance   = 5
	colStatement = 6
	colRef       = 7
	colRecipient = 8
)

// MarshalTransaction converts a transaction to a CSV row. Amounts are
// signed, debits negative.
func MarshalTransaction(t model.Transaction) []string {
	row := make([]string, numFields)
	row[colDate] = t.Date.Format(dateFormat)
	row[colDesc] = t.Description
	row[colAmount] = t.SignedAmount().StringFixed(2)
	row[colType] = string(t.Type)
	row[colCategory] = t.Category
	if t.Balance.Valid {
		row[colBalance] = t.Balance.Decimal.StringFixed(2)
	}
	row[colStatement] = t.StatementNumber
	row[colRef] = t.Reference
	row[colRecipient] = t.RecipientOrPayer
	return row
}

// Write writes the header and one row per transaction.
func Write(w io.Writer, txns []model.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(strings.Split(Header, ",")); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, t := range txns {
		if err := cw.Write(MarshalTransaction(t)); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
