// Package memory is an in-process Store. Units of work are serialized and
// roll back by restoring a snapshot.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cleared-dev/tally/internal/id"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
)

// Store keeps transactions keyed by fingerprint.
type Store struct {
	mu         sync.Mutex
	seq        int64
	txns       map[string]row
	statements map[string]model.Statement
}

type row struct {
	seq int64
	txn model.Transaction
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		txns:       make(map[string]row),
		statements: make(map[string]model.Statement),
	}
}

// WithinTx runs fn holding the store lock. If fn fails, every change it
// made is discarded.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapTxns := make(map[string]row, len(s.txns))
	for k, v := range s.txns {
		snapTxns[k] = v
	}
	snapStatements := make(map[string]model.Statement, len(s.statements))
	for k, v := range s.statements {
		snapStatements[k] = v
	}
	snapSeq := s.seq

	if err := fn(&tx{s: s}); err != nil {
		s.txns, s.statements, s.seq = snapTxns, snapStatements, snapSeq
		return err
	}
	return nil
}

// Statements returns statement metadata ordered by statement date.
func (s *Store) Statements(_ context.Context) ([]model.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Statement, 0, len(s.statements))
	for _, st := range s.statements {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StatementDate.Equal(out[j].StatementDate) {
			return out[i].StatementDate.Before(out[j].StatementDate)
		}
		return id.StatementKey(out[i].BankID, out[i].StatementNumber) < id.StatementKey(out[j].BankID, out[j].StatementNumber)
	})
	return out, nil
}

// Transactions returns matching rows ordered by date, then insertion order.
func (s *Store) Transactions(_ context.Context, f store.Filter) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]row, 0, len(s.txns))
	for _, r := range s.txns {
		if f.Match(r.txn) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].txn.Date.Equal(rows[j].txn.Date) {
			return rows[i].txn.Date.Before(rows[j].txn.Date)
		}
		return rows[i].seq < rows[j].seq
	})
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}

	out := make([]model.Transaction, len(rows))
	for i, r := range rows {
		out[i] = r.txn
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// tx mutates the store directly; the caller holds s.mu.
type tx struct {
	s *Store
}

// LockStatement is a no-op: WithinTx already holds the store lock.
func (t *tx) LockStatement(ctx context.Context, _, _ string) error {
	return ctx.Err()
}

func (t *tx) ExistingFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, fp := range fps {
		if _, ok := t.s.txns[fp]; ok {
			out[fp] = true
		}
	}
	return out, nil
}

func (t *tx) InsertTransactions(ctx context.Context, txns []model.Transaction) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, txn := range txns {
		if _, ok := t.s.txns[txn.Fingerprint]; ok {
			continue
		}
		t.s.seq++
		t.s.txns[txn.Fingerprint] = row{seq: t.s.seq, txn: txn}
		n++
	}
	return n, nil
}

func (t *tx) DeleteStatement(ctx context.Context, bankID, statementNumber string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := id.StatementKey(bankID, statementNumber)
	var deleted []string
	for fp, r := range t.s.txns {
		if id.StatementKey(r.txn.BankID, r.txn.StatementNumber) == key {
			delete(t.s.txns, fp)
			deleted = append(deleted, fp)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (t *tx) SaveStatement(ctx context.Context, st model.Statement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.s.statements[id.StatementKey(st.BankID, st.StatementNumber)] = st
	return nil
}
