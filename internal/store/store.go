// Package store defines the persistence contract for statements and
// transactions. Writes happen inside a unit of work; readers get a
// read-only view.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/cleared-dev/tally/internal/model"
)

// Tx is a unit of work. Everything done through it commits or rolls back together.
type Tx interface {
	// LockStatement blocks until no other unit of work, in this process or
	// another, holds the statement. The lock is released when the unit of
	// work ends.
	LockStatement(ctx context.Context, bankID, statementNumber string) error
	// ExistingFingerprints returns the subset of fps already stored.
	ExistingFingerprints(ctx context.Context, fps []string) (map[string]bool, error)
	// InsertTransactions stores txns, skipping fingerprints already present,
	// and returns how many rows were written.
	InsertTransactions(ctx context.Context, txns []model.Transaction) (int, error)
	// DeleteStatement removes the statement's transactions and returns their fingerprints.
	DeleteStatement(ctx context.Context, bankID, statementNumber string) ([]string, error)
	// SaveStatement creates or updates statement metadata.
	SaveStatement(ctx context.Context, s model.Statement) error
}

// Reader is the read-only view used by exports and reports.
type Reader interface {
	Statements(ctx context.Context) ([]model.Statement, error)
	Transactions(ctx context.Context, f Filter) ([]model.Transaction, error)
}

// Store is a transactional transaction store.
type Store interface {
	Reader
	// WithinTx runs fn in a unit of work, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Filter narrows Transactions. Zero fields match everything.
type Filter struct {
	BankID          string
	StatementNumber string
	Category        string
	Type            model.TxnType
	From            time.Time // inclusive
	To              time.Time // inclusive
	Search          string    // case-insensitive substring of description or recipient
	Limit           int
}

// Match reports whether t passes the filter.
func (f Filter) Match(t model.Transaction) bool {
	switch {
	case f.BankID != "" && !strings.EqualFold(f.BankID, t.BankID):
		return false
	case f.StatementNumber != "" && f.StatementNumber != t.StatementNumber:
		return false
	case f.Category != "" && !strings.EqualFold(f.Category, t.Category):
		return false
	case f.Type != "" && f.Type != t.Type:
		return false
	case !f.From.IsZero() && t.Date.Before(f.From):
		return false
	case !f.To.IsZero() && t.Date.After(f.To):
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.Description), needle) &&
			!strings.Contains(strings.ToLower(t.RecipientOrPayer), needle) {
			return false
		}
	}
	return true
}
