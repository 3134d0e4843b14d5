// Package ingest coordinates statement imports: parse, deduplicate,
// classify and persist, one statement at a time per statement key.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/classify"
	"github.com/cleared-dev/tally/internal/id"
	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/importlog"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
)

// Resolver looks up the parser for a bank.
type Resolver interface {
	Resolve(bankID string) (importer.Parser, error)
}

// Classifier assigns categories; *classify.Engine implements it.
type Classifier interface {
	ClassifyBatch(ctx context.Context, inputs []classify.Input) []classify.Result
}

// Recorder receives one audit entry per import run.
type Recorder interface {
	Record(entries ...importlog.Entry) error
}

// Request names one document to import.
type Request struct {
	Path   string
	BankID string
	Mode   model.Mode
}

// Coordinator runs imports. It is safe for concurrent use; imports of the
// same bank/statement are serialized, different statements run in parallel.
type Coordinator struct {
	parsers    Resolver
	classifier Classifier
	store      store.Store
	recorder   Recorder
	log        *zap.Logger
	now        func() time.Time
	locks      *keyedMutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithRecorder appends every run to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(parsers Resolver, classifier Classifier, st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		parsers:    parsers,
		classifier: classifier,
		store:      st,
		log:        zap.NewNop(),
		now:        time.Now,
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Import imports one statement document. On failure nothing is persisted
// and the error is an *ImportError.
func (c *Coordinator) Import(ctx context.Context, req Request) (*model.ImportResult, error) {
	if req.Mode == "" {
		req.Mode = model.ModeNew
	}
	start := c.now()
	runID := uuid.NewString()

	res, err := c.importStatement(ctx, runID, req)
	if err != nil {
		ierr := &ImportError{Path: req.Path, BankID: req.BankID, Err: err}
		c.log.Error("statement import failed",
			zap.String("run_id", runID),
			zap.String("path", req.Path),
			zap.String("bank", req.BankID),
			zap.String("mode", string(req.Mode)),
			zap.Error(err))
		c.record(importlog.Entry{
			Timestamp: start,
			RunID:     runID,
			Path:      req.Path,
			BankID:    req.BankID,
			Mode:      req.Mode,
			Status:    importlog.StatusFailed,
			Duration:  c.now().Sub(start),
			Error:     err.Error(),
		})
		return nil, ierr
	}

	res.Duration = c.now().Sub(start)
	c.log.Info("statement imported",
		zap.String("run_id", runID),
		zap.String("path", req.Path),
		zap.String("bank", res.BankID),
		zap.String("statement", res.StatementNumber),
		zap.String("mode", string(res.Mode)),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Int("reclassified", res.Reclassified),
		zap.Duration("duration", res.Duration))
	c.record(importlog.FromResult(res, start))
	return res, nil
}

func (c *Coordinator) importStatement(ctx context.Context, runID string, req Request) (*model.ImportResult, error) {
	if req.Mode != model.ModeNew && req.Mode != model.ModeReplace {
		return nil, fmt.Errorf("unknown import mode %q", req.Mode)
	}
	parser, err := c.parsers.Resolve(req.BankID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	doc, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(id.StatementKey(doc.BankID, doc.StatementNumber))
	defer unlock()

	rows := c.buildRows(doc)

	// Rows already stored keep their category; only the rest are classified.
	// Replace deletes the whole statement, so everything is classified again.
	existing := map[string]bool{}
	if req.Mode == model.ModeNew {
		err = c.store.WithinTx(ctx, func(tx store.Tx) error {
			existing, err = tx.ExistingFingerprints(ctx, fingerprints(rows))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("checking fingerprints: %w", err)
		}
	}

	var fresh []model.Transaction
	for _, r := range rows {
		if !existing[r.Fingerprint] {
			fresh = append(fresh, r)
		}
	}
	c.classify(ctx, fresh)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &model.ImportResult{
		RunID:           runID,
		BankID:          doc.BankID,
		StatementNumber: doc.StatementNumber,
		Path:            req.Path,
		Mode:            req.Mode,
	}
	err = c.store.WithinTx(ctx, func(tx store.Tx) error {
		// The keyed mutex only covers this process; the store lock covers
		// other processes sharing the same storage.
		if err := tx.LockStatement(ctx, doc.BankID, doc.StatementNumber); err != nil {
			return fmt.Errorf("locking statement: %w", err)
		}

		pending := fresh
		var replaced map[string]bool
		switch req.Mode {
		case model.ModeReplace:
			deleted, err := tx.DeleteStatement(ctx, doc.BankID, doc.StatementNumber)
			if err != nil {
				return fmt.Errorf("deleting statement: %w", err)
			}
			replaced = make(map[string]bool, len(deleted))
			for _, fp := range deleted {
				replaced[fp] = true
			}
		case model.ModeNew:
			// Rows stored since the pre-read keep their stored category.
			stored, err := tx.ExistingFingerprints(ctx, fingerprints(fresh))
			if err != nil {
				return fmt.Errorf("checking fingerprints: %w", err)
			}
			pending = make([]model.Transaction, 0, len(fresh))
			for _, r := range fresh {
				if !stored[r.Fingerprint] {
					pending = append(pending, r)
				}
			}
		}

		n, err := tx.InsertTransactions(ctx, pending)
		if err != nil {
			return fmt.Errorf("inserting transactions: %w", err)
		}
		res.Inserted = n
		res.Skipped = len(doc.Lines) - n
		for _, r := range pending {
			if replaced[r.Fingerprint] {
				res.Reclassified++
			}
		}

		return tx.SaveStatement(ctx, model.Statement{
			BankID:          doc.BankID,
			StatementNumber: doc.StatementNumber,
			StatementDate:   doc.StatementDate,
			OpeningBalance:  doc.OpeningBalance,
			ClosingBalance:  doc.ClosingBalance,
			SourcePath:      req.Path,
			ImportedAt:      c.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// buildRows fingerprints the document's lines. A line repeated verbatim
// within one statement shares its fingerprint and is kept once.
func (c *Coordinator) buildRows(doc *model.StatementDocument) []model.Transaction {
	importedAt := c.now().UTC()
	seen := make(map[string]bool, len(doc.Lines))
	rows := make([]model.Transaction, 0, len(doc.Lines))
	for _, l := range doc.Lines {
		fp := id.ForRaw(l, doc.StatementNumber)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		rows = append(rows, model.Transaction{
			BankID:          doc.BankID,
			StatementNumber: doc.StatementNumber,
			Date:            l.Date,
			Description:     l.Description,
			Amount:          l.Amount,
			Type:            l.Type,
			Balance:         l.Balance,
			Reference:       l.Reference,
			Fingerprint:     fp,
			ImportedAt:      importedAt,
		})
	}
	return rows
}

func (c *Coordinator) classify(ctx context.Context, rows []model.Transaction) {
	if len(rows) == 0 {
		return
	}
	inputs := make([]classify.Input, len(rows))
	for i, r := range rows {
		inputs[i] = classify.Input{Description: r.Description, Amount: r.SignedAmount()}
	}
	results := c.classifier.ClassifyBatch(ctx, inputs)
	for i := range rows {
		r := results[i]
		rows[i].Category = r.Category
		rows[i].RecipientOrPayer = r.RecipientOrPayer
		rows[i].Confidence = r.Confidence
		rows[i].ClassifiedBy = r.Source
	}
}

func (c *Coordinator) record(e importlog.Entry) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(e); err != nil {
		c.log.Warn("writing import log", zap.Error(err))
	}
}

func fingerprints(rows []model.Transaction) []string {
	fps := make([]string, len(rows))
	for i, r := range rows {
		fps[i] = r.Fingerprint
	}
	return fps
}

// BatchResult summarizes ImportAll.
type BatchResult struct {
	Results   []*model.ImportResult
	Failures  []*ImportError
	Completed int // statements attempted before the batch ended, failed ones included
}

// Err combines the per-statement failures, or returns nil.
func (b BatchResult) Err() error {
	var err error
	for _, f := range b.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

// ImportAll imports reqs in order. A failing statement does not stop the
// batch; cancelling ctx does, between statements, and returns ctx.Err()
// along with what completed so far.
func (c *Coordinator) ImportAll(ctx context.Context, reqs []Request) (BatchResult, error) {
	var batch BatchResult
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			c.log.Warn("batch import cancelled",
				zap.Int("completed", batch.Completed),
				zap.Int("remaining", len(reqs)-batch.Completed))
			return batch, err
		}

		res, err := c.Import(ctx, req)
		if err != nil && ctx.Err() != nil {
			// Cancelled mid-statement; it rolled back and does not count.
			return batch, ctx.Err()
		}
		batch.Completed++
		if err != nil {
			var ierr *ImportError
			if errors.As(err, &ierr) {
				batch.Failures = append(batch.Failures, ierr)
			}
			continue
		}
		batch.Results = append(batch.Results, res)
	}
	return batch, nil
}
