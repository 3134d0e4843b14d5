// Package csvstore is the file-backed Store. Transactions live in one
// transactions.csv per statement month under the data directory and
// statement metadata in statements.csv, so history can be opened in a
// spreadsheet and kept in git.
//
// A lock file in the data directory serializes units of work across every
// process sharing it. A unit of work loads the files, applies its changes in
// memory and rewrites only the files it touched; a failed unit of work
// writes nothing.
package csvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/id"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
)

const (
	statementsFile = "statements.csv"
	txnFile        = "transactions.csv"
	lockFile       = ".lock"
	lockPoll       = 25 * time.Millisecond
)

// DefaultStaleLock is how old a lock file must be before it is assumed to
// belong to a crashed process and removed.
const DefaultStaleLock = 30 * time.Second

// Store keeps transactions in CSV files under a directory.
type Store struct {
	dir        string
	staleAfter time.Duration
	log        *zap.Logger

	mu sync.Mutex // serializes units of work within this process
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithStaleLock overrides DefaultStaleLock.
func WithStaleLock(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open creates dir if needed and returns a Store over it.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s := &Store{dir: dir, staleAfter: DefaultStaleLock, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Close is a no-op; nothing is held between units of work.
func (s *Store) Close() error { return nil }

// WithinTx runs fn holding the directory lock and writes its changes when
// fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	st, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&tx{s: s, st: st}); err != nil {
		return err
	}
	return s.flush(st)
}

// Statements returns statement metadata ordered by statement date.
func (s *Store) Statements(ctx context.Context) ([]model.Statement, error) {
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.sortedStatements(), nil
}

// Transactions returns matching rows ordered by date, then insertion order.
func (s *Store) Transactions(ctx context.Context, f store.Filter) ([]model.Transaction, error) {
	release, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	rows := make([]row, 0, len(st.txns))
	for _, r := range st.txns {
		if f.Match(r.txn) {
			rows = append(rows, r)
		}
	}
	sortRows(rows)
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}

	out := make([]model.Transaction, len(rows))
	for i, r := range rows {
		out[i] = r.txn
	}
	return out, nil
}

// lock takes the in-process mutex, then the lock file. The returned func
// releases both.
func (s *Store) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	path := filepath.Join(s.dir, lockFile)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					s.log.Warn("removing lock file", zap.String("path", path), zap.Error(err))
				}
				s.mu.Unlock()
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			s.mu.Unlock()
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > s.staleAfter {
			s.log.Warn("removing stale lock file",
				zap.String("path", path),
				zap.Duration("age", time.Since(info.ModTime())))
			_ = os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			s.mu.Unlock()
			return nil, fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-time.After(lockPoll):
		}
	}
}

type row struct {
	seq int64
	txn model.Transaction
}

// state is the loaded directory plus what a unit of work changed.
type state struct {
	seq        int64
	txns       map[string]row
	statements map[string]model.Statement

	dirtyMonths     map[string]bool // transactions.csv paths to rewrite
	dirtyStatements bool
}

func (s *Store) load() (*state, error) {
	st := &state{
		txns:        make(map[string]row),
		statements:  make(map[string]model.Statement),
		dirtyMonths: make(map[string]bool),
	}

	// WalkDir visits YYYY/MM in lexical order, so seq follows the files.
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != txnFile {
			return nil
		}
		txns, err := readFile(path, ReadTransactions)
		if err != nil {
			return err
		}
		for _, t := range txns {
			st.seq++
			st.txns[t.Fingerprint] = row{seq: st.seq, txn: t}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading transactions: %w", err)
	}

	stmts, err := readFile(filepath.Join(s.dir, statementsFile), ReadStatements)
	if err != nil {
		return nil, fmt.Errorf("loading statements: %w", err)
	}
	for _, m := range stmts {
		st.statements[id.StatementKey(m.BankID, m.StatementNumber)] = m
	}
	return st, nil
}

// flush rewrites the files st marked dirty.
func (s *Store) flush(st *state) error {
	if len(st.dirtyMonths) > 0 {
		byMonth := make(map[string][]row, len(st.dirtyMonths))
		for _, r := range st.txns {
			if p := s.monthPath(r.txn.Date); st.dirtyMonths[p] {
				byMonth[p] = append(byMonth[p], r)
			}
		}
		for p := range st.dirtyMonths {
			rows := byMonth[p]
			if len(rows) == 0 {
				if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("removing %s: %w", p, err)
				}
				continue
			}
			sortRows(rows)
			txns := make([]model.Transaction, len(rows))
			for i, r := range rows {
				txns[i] = r.txn
			}
			if err := writeFile(p, func(w io.Writer) error { return WriteTransactions(w, txns) }); err != nil {
				return err
			}
		}
	}

	if st.dirtyStatements {
		stmts := st.sortedStatements()
		path := filepath.Join(s.dir, statementsFile)
		if err := writeFile(path, func(w io.Writer) error { return WriteStatements(w, stmts) }); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) monthPath(date time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%04d", date.Year()), fmt.Sprintf("%02d", int(date.Month())), txnFile)
}

func (st *state) sortedStatements() []model.Statement {
	out := make([]model.Statement, 0, len(st.statements))
	for _, m := range st.statements {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StatementDate.Equal(out[j].StatementDate) {
			return out[i].StatementDate.Before(out[j].StatementDate)
		}
		return id.StatementKey(out[i].BankID, out[i].StatementNumber) < id.StatementKey(out[j].BankID, out[j].StatementNumber)
	})
	return out
}

func sortRows(rows []row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].txn.Date.Equal(rows[j].txn.Date) {
			return rows[i].txn.Date.Before(rows[j].txn.Date)
		}
		return rows[i].seq < rows[j].seq
	})
}

// readFile returns nil when path does not exist.
func readFile[T any](path string, read func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	out, err := read(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}

// writeFile replaces path with what write produces, via a temp file and
// rename so readers never see a partial file.
func writeFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// tx mutates the loaded state; the caller holds the directory lock.
type tx struct {
	s  *Store
	st *state
}

// LockStatement is a no-op: WithinTx already holds the directory lock.
func (t *tx) LockStatement(ctx context.Context, _, _ string) error {
	return ctx.Err()
}

func (t *tx) ExistingFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, fp := range fps {
		if _, ok := t.st.txns[fp]; ok {
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
		if _, ok := t.st.txns[txn.Fingerprint]; ok {
			continue
		}
		t.st.seq++
		t.st.txns[txn.Fingerprint] = row{seq: t.st.seq, txn: txn}
		t.st.dirtyMonths[t.s.monthPath(txn.Date)] = true
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
	for fp, r := range t.st.txns {
		if id.StatementKey(r.txn.BankID, r.txn.StatementNumber) == key {
			delete(t.st.txns, fp)
			t.st.dirtyMonths[t.s.monthPath(r.txn.Date)] = true
			deleted = append(deleted, fp)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (t *tx) SaveStatement(ctx context.Context, m model.Statement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.st.statements[id.StatementKey(m.BankID, m.StatementNumber)] = m
	t.st.dirtyStatements = true
	return nil
}
