package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/tally/internal/classify"
	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/importlog"
	"github.com/cleared-dev/tally/internal/inference"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/store"
	"github.com/cleared-dev/tally/internal/store/memory"
)

func TestImport_Idempotent(t *testing.T) {
	f := newFixture(t)
	path := writeDoc(t, "jan.txt", fnbText("42", tenLines()))
	req := Request{Path: path, BankID: "fnb", Mode: model.ModeNew}

	first, err := f.coord.Import(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "42", first.StatementNumber)
	assert.Equal(t, 10, first.Inserted)
	assert.Zero(t, first.Skipped)
	assert.NotEmpty(t, first.RunID)

	callsAfterFirst := len(f.backend.calls())

	second, err := f.coord.Import(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 10, second.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.Len(t, f.rows(t, "42"), 10)
	assert.Len(t, f.backend.calls(), callsAfterFirst, "skipped rows are not re-classified")
}

func TestImport_DefaultsToNewMode(t *testing.T) {
	f := newFixture(t)
	path := writeDoc(t, "jan.txt", fnbText("42", tenLines()))

	res, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "FNB"})
	require.NoError(t, err)
	assert.Equal(t, model.ModeNew, res.Mode)
	assert.Equal(t, "fnb", res.BankID)
}

func TestImport_IdenticalLinesCollapse(t *testing.T) {
	f := newFixture(t)
	lines := []stmtLine{
		{4, "Parking Sandton City", "20.00", false},
		{4, "Parking Sandton City", "20.00", false},
		{5, "Woolworths Food", "100.00", false},
	}
	path := writeDoc(t, "jan.txt", fnbText("42", lines))

	res, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, f.rows(t, "42"), 2)
}

func TestImport_RulesTakePrecedence(t *testing.T) {
	f := newFixture(t)
	f.backend.answer = inference.Answer{Category: "medical", Confidence: model.ConfidenceHigh}
	path := writeDoc(t, "jan.txt", fnbText("42", tenLines()))

	_, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)

	byDesc := map[string]model.Transaction{}
	for _, txn := range f.rows(t, "42") {
		byDesc[txn.Description] = txn
	}
	assert.Equal(t, "groceries", byDesc["POS Purchase Woolworths Sandton"].Category)
	assert.Equal(t, classify.SourceRule, byDesc["POS Purchase Woolworths Sandton"].ClassifiedBy)
	assert.Equal(t, model.ConfidenceHigh, byDesc["POS Purchase Woolworths Sandton"].Confidence)
	assert.Equal(t, "fuel", byDesc["Shell Ultra City N1"].Category)
	assert.Equal(t, "salary", byDesc["Salary ACME Ltd"].Category)
	assert.Equal(t, "medical", byDesc["Netflix"].Category)
	assert.Equal(t, classify.SourceBackend, byDesc["Netflix"].ClassifiedBy)

	assert.NotContains(t, f.backend.calls(), "Shell Ultra City N1")
	assert.NotContains(t, f.backend.calls(), "POS Purchase Woolworths Sandton")
}

func TestImport_BackendFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.backend.err = fmt.Errorf("%w: connection refused", inference.ErrBackend)
	path := writeDoc(t, "jan.txt", fnbText("42", []stmtLine{{6, "Engen Rivonia", "300.00", false}}))

	res, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	rows := f.rows(t, "42")
	require.Len(t, rows, 1)
	assert.Equal(t, "other", rows[0].Category)
	assert.Equal(t, model.ConfidenceLow, rows[0].Confidence)
	assert.Equal(t, classify.SourceFallback, rows[0].ClassifiedBy)
}

type hangingBackend struct{ stubBackend }

func (h *hangingBackend) Classify(ctx context.Context, _ inference.Query, _ []string) (inference.Answer, error) {
	<-ctx.Done()
	return inference.Answer{}, ctx.Err()
}

func TestImport_BackendTimeoutFallsBack(t *testing.T) {
	backend := inference.WithTimeout(&hangingBackend{}, 20*time.Millisecond)
	engine, err := classify.NewEngine(classify.Config{Categories: testCategories}, backend, nil)
	require.NoError(t, err)
	st := memory.New()
	coord := New(importer.DefaultRegistry(importer.DefaultTolerance), engine, st)

	path := writeDoc(t, "jan.txt", fnbText("42", []stmtLine{{6, "Engen Rivonia", "300.00", false}}))
	res, err := coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	rows, err := st.Transactions(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "other", rows[0].Category)
}

func TestImport_ReconciliationGate(t *testing.T) {
	f := newFixture(t)
	text := fnbText("42", tenLines())
	text = text[:strings.LastIndex(text, "Closing Balance")] + "Closing Balance 99.99 Cr\n"
	path := writeDoc(t, "jan.txt", text)

	res, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
	assert.Nil(t, res)

	var ierr *ImportError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, path, ierr.Path)
	assert.ErrorIs(t, err, importer.ErrUnparsable)

	var rerr *importer.ReconciliationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "99.99", rerr.Expected.StringFixed(2))
	assert.Equal(t, "11385.09", rerr.Computed.StringFixed(2))

	assert.Empty(t, f.rows(t, "42"))
	stmts, err := f.store.Statements(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stmts)
	assert.Empty(t, f.backend.calls())
}

func TestImport_UnknownBank(t *testing.T) {
	f := newFixture(t)
	path := writeDoc(t, "jan.txt", fnbText("42", tenLines()))

	_, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "absa", Mode: model.ModeNew})
	assert.ErrorIs(t, err, importer.ErrUnknownBank)
}

func TestImport_MissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Import(context.Background(), Request{Path: filepath.Join(t.TempDir(), "nope.pdf"), BankID: "fnb"})
	var ierr *ImportError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, err.Error(), "nope.pdf")
}

func TestImport_UnknownMode(t *testing.T) {
	f := newFixture(t)
	path := writeDoc(t, "jan.txt", fnbText("42", tenLines()))
	_, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: "merge"})
	assert.ErrorContains(t, err, "merge")
}

func TestImport_Replace(t *testing.T) {
	f := newFixture(t)
	original := tenLines()
	_, err := f.coord.Import(context.Background(), Request{Path: writeDoc(t, "v1.txt", fnbText("42", original)), BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)
	before := fingerprintSet(f.rows(t, "42"))
	require.Len(t, before, 10)

	// Five lines kept verbatim, three edited or new.
	edited := append(append([]stmtLine{}, original[:5]...),
		stmtLine{10, "Netflix Premium", "229.00", false},
		stmtLine{21, "Takealot Online", "349.00", false},
		stmtLine{28, "Interest Received", "11.02", true},
	)
	res, err := f.coord.Import(context.Background(), Request{Path: writeDoc(t, "v2.txt", fnbText("42", edited)), BankID: "fnb", Mode: model.ModeReplace})
	require.NoError(t, err)
	assert.Equal(t, model.ModeReplace, res.Mode)
	assert.Equal(t, 8, res.Inserted)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, 5, res.Reclassified)

	after := f.rows(t, "42")
	require.Len(t, after, 8)
	survivors := 0
	for _, txn := range after {
		if before[txn.Fingerprint] {
			survivors++
		}
	}
	assert.Equal(t, 5, survivors, "only verbatim lines keep their fingerprint")
}

func TestImport_ReplaceReclassifiesWithNewRules(t *testing.T) {
	f := newFixture(t)
	path := writeDoc(t, "jan.txt", fnbText("42", tenLines()))
	_, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)

	rules := append(append([]classify.Rule{}, testRules...), classify.Rule{Pattern: "Netflix", Category: "subscriptions"})
	engine, err := classify.NewEngine(classify.Config{Categories: testCategories, Rules: rules}, nil, nil)
	require.NoError(t, err)
	coord := New(importer.DefaultRegistry(importer.DefaultTolerance), engine, f.store)

	res, err := coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeReplace})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Reclassified)

	for _, txn := range f.rows(t, "42") {
		if txn.Description == "Netflix" {
			assert.Equal(t, classify.SourceRule, txn.ClassifiedBy)
		}
	}
}

// failingInsertStore fails every InsertTransactions after running the real one.
type failingInsertStore struct {
	*memory.Store
}

type failingTx struct {
	store.Tx
}

func (f failingTx) InsertTransactions(ctx context.Context, txns []model.Transaction) (int, error) {
	if _, err := f.Tx.InsertTransactions(ctx, txns); err != nil {
		return 0, err
	}
	return 0, errors.New("disk full")
}

func (s failingInsertStore) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

func TestImport_ReplaceFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Import(context.Background(), Request{Path: writeDoc(t, "v1.txt", fnbText("42", tenLines())), BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)
	before := fingerprintSet(f.rows(t, "42"))

	engine, err := classify.NewEngine(classify.Config{Categories: testCategories, Rules: testRules}, nil, nil)
	require.NoError(t, err)
	coord := New(importer.DefaultRegistry(importer.DefaultTolerance), engine, failingInsertStore{Store: f.store})

	edited := tenLines()[:8]
	_, err = coord.Import(context.Background(), Request{Path: writeDoc(t, "v2.txt", fnbText("42", edited)), BankID: "fnb", Mode: model.ModeReplace})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, before, fingerprintSet(f.rows(t, "42")))
}

func TestImport_ConcurrentReplaceIsSerialized(t *testing.T) {
	f := newFixture(t)
	versionA := tenLines()
	versionB := append(append([]stmtLine{}, tenLines()[:6]...),
		stmtLine{22, "Uber Trip", "87.00", false},
		stmtLine{23, "Uber Eats", "143.50", false},
	)
	pathA := writeDoc(t, "a.txt", fnbText("42", versionA))
	pathB := writeDoc(t, "b.txt", fnbText("42", versionB))

	var inFlight, maxInFlight atomic.Int32
	engine := &trackingClassifier{
		before: func() {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
		},
		after: func() { inFlight.Add(-1) },
	}
	coord := New(importer.DefaultRegistry(importer.DefaultTolerance), engine, f.store)

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		results := make([]*model.ImportResult, 2)
		errs := make([]error, 2)
		for i, p := range []string{pathA, pathB} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = coord.Import(context.Background(), Request{Path: p, BankID: "fnb", Mode: model.ModeReplace})
			}()
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, 10, results[0].Inserted)
		assert.Equal(t, 8, results[1].Inserted)

		rows := f.rows(t, "42")
		require.True(t, len(rows) == 10 || len(rows) == 8, "got %d rows", len(rows))
	}
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Zero(t, coord.locks.size())
}

func TestImport_DifferentStatementsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	engine := &trackingClassifier{
		before: func() {
			arrived.Done()
			done := make(chan struct{})
			go func() { arrived.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Error("imports of different statements were serialized")
			}
		},
	}
	coord := New(importer.DefaultRegistry(importer.DefaultTolerance), engine, f.store)

	var wg sync.WaitGroup
	for _, num := range []string{"42", "43"} {
		path := writeDoc(t, num+".txt", fnbText(num, tenLines()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, f.rows(t, "42"), 10)
	assert.Len(t, f.rows(t, "43"), 10)
}

// trackingClassifier puts everything in "other" and runs hooks around each batch.
type trackingClassifier struct {
	before, after func()
}

func (c *trackingClassifier) ClassifyBatch(_ context.Context, inputs []classify.Input) []classify.Result {
	if c.before != nil {
		c.before()
	}
	if c.after != nil {
		defer c.after()
	}
	out := make([]classify.Result, len(inputs))
	for i := range out {
		out[i] = classify.Result{Category: "other", Confidence: model.ConfidenceLow, Source: classify.SourceFallback}
	}
	return out
}

func TestImport_RecordsImportLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "import-log.csv")
	f := newFixture(t, WithRecorder(importlog.New(logPath)))

	good := writeDoc(t, "jan.txt", fnbText("42", tenLines()))
	_, err := f.coord.Import(context.Background(), Request{Path: good, BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)
	_, err = f.coord.Import(context.Background(), Request{Path: good, BankID: "absa", Mode: model.ModeNew})
	require.Error(t, err)

	entries, err := importlog.Read(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, importlog.StatusOK, entries[0].Status)
	assert.Equal(t, "42", entries[0].StatementNumber)
	assert.Equal(t, 10, entries[0].Inserted)
	assert.Equal(t, importlog.StatusFailed, entries[1].Status)
	assert.Contains(t, entries[1].Error, "unknown bank")
}

func TestImport_RowsVisibleAfterReturn(t *testing.T) {
	f := newFixture(t)
	path := writeDoc(t, "jan.txt", fnbText("42", tenLines()))

	res, err := f.coord.Import(context.Background(), Request{Path: path, BankID: "fnb", Mode: model.ModeNew})
	require.NoError(t, err)

	rows := f.rows(t, "42")
	assert.Len(t, rows, res.Inserted)
	for _, r := range rows {
		assert.NotEmpty(t, r.Fingerprint)
		assert.NotEmpty(t, r.Category)
		assert.Equal(t, "42", r.StatementNumber)
	}

	stmts, err := f.store.Statements(context.Background())
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, path, stmts[0].SourcePath)
	assert.Equal(t, "1000.00", stmts[0].OpeningBalance.StringFixed(2))
}

// sharedStore stands in for storage another process writes to: before each
// unit of work after the first it runs between, and it records the Tx calls
// of every unit of work.
type sharedStore struct {
	*memory.Store
	units   int
	between func()
	ops     [][]string
}

type opsTx struct {
	store.Tx
	ops *[]string
}

func (t opsTx) LockStatement(ctx context.Context, bankID, statementNumber string) error {
	*t.ops = append(*t.ops, "LockStatement")
	return t.Tx.LockStatement(ctx, bankID, statementNumber)
}

func (t opsTx) ExistingFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	*t.ops = append(*t.ops, "ExistingFingerprints")
	return t.Tx.ExistingFingerprints(ctx, fps)
}

func (t opsTx) InsertTransactions(ctx context.Context, txns []model.Transaction) (int, error) {
	*t.ops = append(*t.ops, "InsertTransactions")
	return t.Tx.InsertTransactions(ctx, txns)
}

func (t opsTx) DeleteStatement(ctx context.Context, bankID, statementNumber string) ([]string, error) {
	*t.ops = append(*t.ops, "DeleteStatement")
	return t.Tx.DeleteStatement(ctx, bankID, statementNumber)
}

func (t opsTx) SaveStatement(ctx context.Context, st model.Statement) error {
	*t.ops = append(*t.ops, "SaveStatement")
	return t.Tx.SaveStatement(ctx, st)
}

func (s *sharedStore) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	s.units++
	if s.units > 1 && s.between != nil {
		s.between()
	}
	var ops []string
	err := s.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(opsTx{Tx: tx, ops: &ops})
	})
	s.ops = append(s.ops, ops)
	return err
}

func TestImport_NewModeRechecksUnderStatementLock(t *testing.T) {
	path := writeDoc(t, "42.txt", fnbText("42", tenLines()))

	// Rows the other writer stores: same lines, its own category.
	other := newFixture(t)
	_, err := other.coord.Import(context.Background(), Request{Path: path, BankID: "fnb"})
	require.NoError(t, err)
	theirs := other.rows(t, "42")[:3]
	for i := range theirs {
		theirs[i].Category = "medical"
	}

	st := &sharedStore{Store: memory.New()}
	st.between = func() {
		err := st.Store.WithinTx(context.Background(), func(tx store.Tx) error {
			_, err := tx.InsertTransactions(context.Background(), theirs)
			return err
		})
		require.NoError(t, err)
	}
	engine, err := classify.NewEngine(classify.Config{Categories: testCategories, Rules: testRules}, nil, nil)
	require.NoError(t, err)
	coord := New(importer.DefaultRegistry(importer.DefaultTolerance), engine, st)

	res, err := coord.Import(context.Background(), Request{Path: path, BankID: "fnb"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Inserted)
	assert.Equal(t, 3, res.Skipped)

	require.Len(t, st.ops, 2)
	assert.Equal(t, []string{"ExistingFingerprints"}, st.ops[0])
	assert.Equal(t, []string{"LockStatement", "ExistingFingerprints", "InsertTransactions", "SaveStatement"}, st.ops[1])

	stored, err := st.Transactions(context.Background(), store.Filter{StatementNumber: "42"})
	require.NoError(t, err)
	require.Len(t, stored, 10)
	medical := 0
	for _, r := range stored {
		if r.Category == "medical" {
			medical++
		}
	}
	assert.Equal(t, 3, medical)
}

func TestImport_ReplaceLocksStatementFirst(t *testing.T) {
	st := &sharedStore{Store: memory.New()}
	engine, err := classify.NewEngine(classify.Config{Categories: testCategories, Rules: testRules}, nil, nil)
	require.NoError(t, err)
	coord := New(importer.DefaultRegistry(importer.DefaultTolerance), engine, st)

	_, err = coord.Import(context.Background(), Request{Path: writeDoc(t, "42.txt", fnbText("42", tenLines())), BankID: "fnb", Mode: model.ModeReplace})
	require.NoError(t, err)
	require.Len(t, st.ops, 1)
	assert.Equal(t, []string{"LockStatement", "DeleteStatement", "InsertTransactions", "SaveStatement"}, st.ops[0])
}
