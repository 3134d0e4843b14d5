// Package postgres is the PostgreSQL Store. The fingerprint column carries
// a unique index, so duplicate inserts are skipped by the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/id"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var txnColumns = []string{
	"fingerprint", "bank_id", "statement_number", "txn_date", "description",
	"amount", "txn_type", "balance", "reference", "category",
	"recipient_or_payer", "confidence", "classified_by", "imported_at",
}

var statementColumns = []string{
	"bank_id", "statement_number", "statement_date", "opening_balance",
	"closing_balance", "source_path", "imported_at",
}

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists statements and transactions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := Migrate(dsn, log); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("database connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))
	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// WithinTx runs fn in a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			s.log.Error("rolling back transaction", zap.Error(rerr))
		}
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Statements returns statement metadata ordered by statement date.
func (s *Store) Statements(ctx context.Context) ([]model.Statement, error) {
	query, args, err := psql.Select(statementColumns...).
		From("statements").
		OrderBy("statement_date", "bank_id", "statement_number").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building statements query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying statements: %w", err)
	}
	defer rows.Close()

	var out []model.Statement
	for rows.Next() {
		var st model.Statement
		if err := rows.Scan(&st.BankID, &st.StatementNumber, &st.StatementDate, &st.OpeningBalance,
			&st.ClosingBalance, &st.SourcePath, &st.ImportedAt); err != nil {
			return nil, fmt.Errorf("scanning statement: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Transactions returns rows matching f, ordered by date then insertion.
func (s *Store) Transactions(ctx context.Context, f store.Filter) ([]model.Transaction, error) {
	b := psql.Select(txnColumns...).From("transactions").OrderBy("txn_date", "id")
	if f.BankID != "" {
		b = b.Where(sq.Eq{"bank_id": strings.ToLower(f.BankID)})
	}
	if f.StatementNumber != "" {
		b = b.Where(sq.Eq{"statement_number": f.StatementNumber})
	}
	if f.Category != "" {
		b = b.Where(sq.Expr("lower(category) = lower(?)", f.Category))
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"txn_type": string(f.Type)})
	}
	if !f.From.IsZero() {
		b = b.Where(sq.GtOrEq{"txn_date": f.From})
	}
	if !f.To.IsZero() {
		b = b.Where(sq.LtOrEq{"txn_date": f.To})
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		b = b.Where(sq.Or{sq.ILike{"description": like}, sq.ILike{"recipient_or_payer": like}})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building transactions query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(rows pgx.Rows) (model.Transaction, error) {
	var (
		t         model.Transaction
		typ, conf string
	)
	err := rows.Scan(&t.Fingerprint, &t.BankID, &t.StatementNumber, &t.Date, &t.Description,
		&t.Amount, &typ, &t.Balance, &t.Reference, &t.Category,
		&t.RecipientOrPayer, &conf, &t.ClassifiedBy, &t.ImportedAt)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("scanning transaction: %w", err)
	}
	t.Type = model.TxnType(typ)
	t.Confidence = model.Confidence(conf)
	return t, nil
}

type pgTx struct {
	q querier
}

// LockStatement takes a transaction-scoped advisory lock on the statement
// key. Postgres releases it at commit or rollback.
func (t *pgTx) LockStatement(ctx context.Context, bankID, statementNumber string) error {
	key := id.StatementKey(bankID, statementNumber)
	if _, err := t.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return fmt.Errorf("locking statement %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) ExistingFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(fps) == 0 {
		return out, nil
	}
	query, args, err := psql.Select("fingerprint").
		From("transactions").
		Where(sq.Eq{"fingerprint": fps}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building fingerprint query: %w", err)
	}
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scanning fingerprint: %w", err)
		}
		out[fp] = true
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransactions(ctx context.Context, txns []model.Transaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}
	b := psql.Insert("transactions").Columns(txnColumns...)
	for _, x := range txns {
		b = b.Values(x.Fingerprint, strings.ToLower(x.BankID), x.StatementNumber, x.Date, x.Description,
			x.Amount, string(x.Type), x.Balance, x.Reference, x.Category,
			x.RecipientOrPayer, string(x.Confidence), x.ClassifiedBy, x.ImportedAt)
	}
	query, args, err := b.Suffix("ON CONFLICT (fingerprint) DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("building insert: %w", err)
	}
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("inserting transactions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) DeleteStatement(ctx context.Context, bankID, statementNumber string) ([]string, error) {
	query, args, err := psql.Delete("transactions").
		Where(sq.Eq{"bank_id": strings.ToLower(bankID), "statement_number": statementNumber}).
		Suffix("RETURNING fingerprint").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building delete: %w", err)
	}
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("deleting statement: %w", err)
	}
	fps, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("deleting statement: %w", err)
	}
	return fps, nil
}

func (t *pgTx) SaveStatement(ctx context.Context, st model.Statement) error {
	query, args, err := psql.Insert("statements").
		Columns(statementColumns...).
		Values(strings.ToLower(st.BankID), st.StatementNumber, st.StatementDate, st.OpeningBalance,
			st.ClosingBalance, st.SourcePath, st.ImportedAt).
		Suffix(`ON CONFLICT (bank_id, statement_number) DO UPDATE SET
			statement_date = EXCLUDED.statement_date,
			opening_balance = EXCLUDED.opening_balance,
			closing_balance = EXCLUDED.closing_balance,
			source_path = EXCLUDED.source_path,
			imported_at = EXCLUDED.imported_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building statement upsert: %w", err)
	}
	if _, err := t.q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("saving statement: %w", err)
	}
	return nil
}
