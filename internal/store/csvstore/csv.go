package csvstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
)

// TransactionHeader is the header row of every transactions.csv.
const TransactionHeader = "fingerprint,bank_id,statement_number,date,description,amount,type,balance,reference,category,recipient_or_payer,confidence,classified_by,imported_at"

// StatementHeader is the header row of statements.csv.
const StatementHeader = "bank_id,statement_number,statement_date,opening_balance,closing_balance,source_path,imported_at"

const (
	dateFormat  = "2006-01-02"
	stampFormat = time.RFC3339Nano

	numTxnFields = 14
	colFP        = 0
	colBank      = 1
	colStmt      = 2
	colDate      = 3
	colDesc      = 4
	colAmount    = 5
	colType      = 6
	colBalance   = 7
	colRef       = 8
	colCategory  = 9
	colRecipient = 10
	colConf      = 11
	colBy        = 12
	colImported  = 13

	numStmtFields = 7
)

// MarshalTransaction converts a transaction to a CSV row.
func MarshalTransaction(t model.Transaction) []string {
	row := make([]string, numTxnFields)
	row[colFP] = t.Fingerprint
	row[colBank] = t.BankID
	row[colStmt] = t.StatementNumber
	row[colDate] = t.Date.Format(dateFormat)
	row[colDesc] = t.Description
	row[colAmount] = t.Amount.String()
	row[colType] = string(t.Type)
	if t.Balance.Valid {
		row[colBalance] = t.Balance.Decimal.String()
	}
	row[colRef] = t.Reference
	row[colCategory] = t.Category
	row[colRecipient] = t.RecipientOrPayer
	row[colConf] = string(t.Confidence)
	row[colBy] = t.ClassifiedBy
	if !t.ImportedAt.IsZero() {
		row[colImported] = t.ImportedAt.UTC().Format(stampFormat)
	}
	return row
}

// UnmarshalTransaction converts a CSV row to a transaction.
func UnmarshalTransaction(rec []string) (model.Transaction, error) {
	if len(rec) != numTxnFields {
		return model.Transaction{}, fmt.Errorf("expected %d fields, got %d", numTxnFields, len(rec))
	}
	if rec[colFP] == "" {
		return model.Transaction{}, fmt.Errorf("missing fingerprint")
	}

	date, err := time.Parse(dateFormat, rec[colDate])
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parsing date %q: %w", rec[colDate], err)
	}
	amount, err := decimal.NewFromString(rec[colAmount])
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parsing amount %q: %w", rec[colAmount], err)
	}
	typ := model.TxnType(rec[colType])
	if !typ.Valid() {
		return model.Transaction{}, fmt.Errorf("unknown type %q", rec[colType])
	}

	var balance decimal.NullDecimal
	if rec[colBalance] != "" {
		d, err := decimal.NewFromString(rec[colBalance])
		if err != nil {
			return model.Transaction{}, fmt.Errorf("parsing balance %q: %w", rec[colBalance], err)
		}
		balance = decimal.NewNullDecimal(d)
	}

	var imported time.Time
	if rec[colImported] != "" {
		imported, err = time.Parse(stampFormat, rec[colImported])
		if err != nil {
			return model.Transaction{}, fmt.Errorf("parsing imported_at %q: %w", rec[colImported], err)
		}
	}

	return model.Transaction{
		Fingerprint:      rec[colFP],
		BankID:           rec[colBank],
		StatementNumber:  rec[colStmt],
		Date:             date,
		Description:      rec[colDesc],
		Amount:           amount,
		Type:             typ,
		Balance:          balance,
		Reference:        rec[colRef],
		Category:         rec[colCategory],
		RecipientOrPayer: rec[colRecipient],
		Confidence:       model.Confidence(rec[colConf]),
		ClassifiedBy:     rec[colBy],
		ImportedAt:       imported,
	}, nil
}

// ReadTransactions reads every row of a transactions.csv.
func ReadTransactions(r io.Reader) ([]model.Transaction, error) {
	records, err := readAll(r, numTxnFields)
	if err != nil {
		return nil, err
	}
	var out []model.Transaction
	for i, rec := range records {
		t, err := UnmarshalTransaction(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// WriteTransactions writes the header and one row per transaction.
func WriteTransactions(w io.Writer, txns []model.Transaction) error {
	rows := make([][]string, len(txns))
	for i, t := range txns {
		rows[i] = MarshalTransaction(t)
	}
	return writeAll(w, TransactionHeader, rows)
}

func marshalStatement(s model.Statement) []string {
	row := []string{
		s.BankID,
		s.StatementNumber,
		"",
		s.OpeningBalance.String(),
		s.ClosingBalance.String(),
		s.SourcePath,
		"",
	}
	if !s.StatementDate.IsZero() {
		row[2] = s.StatementDate.Format(dateFormat)
	}
	if !s.ImportedAt.IsZero() {
		row[6] = s.ImportedAt.UTC().Format(stampFormat)
	}
	return row
}

func unmarshalStatement(rec []string) (model.Statement, error) {
	s := model.Statement{
		BankID:          rec[0],
		StatementNumber: rec[1],
		SourcePath:      rec[5],
	}
	var err error
	if rec[2] != "" {
		if s.StatementDate, err = time.Parse(dateFormat, rec[2]); err != nil {
			return s, fmt.Errorf("parsing statement_date %q: %w", rec[2], err)
		}
	}
	if s.OpeningBalance, err = decimal.NewFromString(rec[3]); err != nil {
		return s, fmt.Errorf("parsing opening_balance %q: %w", rec[3], err)
	}
	if s.ClosingBalance, err = decimal.NewFromString(rec[4]); err != nil {
		return s, fmt.Errorf("parsing closing_balance %q: %w", rec[4], err)
	}
	if rec[6] != "" {
		if s.ImportedAt, err = time.Parse(stampFormat, rec[6]); err != nil {
			return s, fmt.Errorf("parsing imported_at %q: %w", rec[6], err)
		}
	}
	return s, nil
}

// ReadStatements reads every row of a statements.csv.
func ReadStatements(r io.Reader) ([]model.Statement, error) {
	records, err := readAll(r, numStmtFields)
	if err != nil {
		return nil, err
	}
	var out []model.Statement
	for i, rec := range records {
		s, err := unmarshalStatement(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteStatements writes the header and one row per statement.
func WriteStatements(w io.Writer, stmts []model.Statement) error {
	rows := make([][]string, len(stmts))
	for i, s := range stmts {
		rows[i] = marshalStatement(s)
	}
	return writeAll(w, StatementHeader, rows)
}

// readAll returns the records after the header row.
func readAll(r io.Reader, fields int) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = fields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[1:], nil
}

func writeAll(w io.Writer, header string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(strings.Split(header, ",")); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
