// Package importlog keeps an append-only CSV audit trail of import runs.
package importlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cleared-dev/tally/internal/model"
)

// Status values for Entry.Status.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Entry is one row in the import log.
type Entry struct {
	Timestamp       time.Time
	RunID           string
	Path            string
	BankID          string
	StatementNumber string
	Mode            model.Mode
	Status          string
	Inserted        int
	Skipped         int
	Reclassified    int
	Duration        time.Duration
	Error           string
}

// Header is the CSV header for import-log.csv.
const Header = "timestamp,run_id,path,bank_id,statement_number,mode,status,inserted,skipped,reclassified,duration_ms,error"

// DefaultPath is the log location relative to the working directory.
const DefaultPath = "logs/import-log.csv"

const (
	numFields          = 12
	colTimestamp       = 0
	colRunID           = 1
	colPath            = 2
	colBankID          = 3
	colStatementNumber = 4
	colMode            = 5
	colStatus          = 6
	colInserted        = 7
	colSkipped         = 8
	colReclassified    = 9
	colDurationMs      = 10
	colError           = 11
)

// FromResult builds a successful entry.
func FromResult(res *model.ImportResult, at time.Time) Entry {
	return Entry{
		Timestamp:       at,
		RunID:           res.RunID,
		Path:            res.Path,
		BankID:          res.BankID,
		StatementNumber: res.StatementNumber,
		Mode:            res.Mode,
		Status:          StatusOK,
		Inserted:        res.Inserted,
		Skipped:         res.Skipped,
		Reclassified:    res.Reclassified,
		Duration:        res.Duration,
	}
}

// MarshalEntry converts an Entry to a CSV row.
func MarshalEntry(e Entry) []string {
	row := make([]string, numFields)
	row[colTimestamp] = e.Timestamp.Format(time.RFC3339)
	row[colRunID] = e.RunID
	row[colPath] = e.Path
	row[colBankID] = e.BankID
	row[colStatementNumber] = e.StatementNumber
	row[colMode] = string(e.Mode)
	row[colStatus] = e.Status
	row[colInserted] = strconv.Itoa(e.Inserted)
	row[colSkipped] = strconv.Itoa(e.Skipped)
	row[colReclassified] = strconv.Itoa(e.Reclassified)
	row[colDurationMs] = strconv.FormatInt(e.Duration.Milliseconds(), 10)
	row[colError] = e.Error
	return row
}

// UnmarshalEntry converts a CSV row to an Entry.
func UnmarshalEntry(record []string) (Entry, error) {
	if len(record) != numFields {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", numFields, len(record))
	}

	ts, err := time.Parse(time.RFC3339, record[colTimestamp])
	if err != nil {
		return Entry{}, fmt.Errorf("parsing timestamp %q: %w", record[colTimestamp], err)
	}

	var counts [4]int
	for i, col := range []int{colInserted, colSkipped, colReclassified, colDurationMs} {
		n, err := strconv.Atoi(record[col])
		if err != nil {
			return Entry{}, fmt.Errorf("parsing column %d %q: %w", col, record[col], err)
		}
		counts[i] = n
	}

	return Entry{
		Timestamp:       ts,
		RunID:           record[colRunID],
		Path:            record[colPath],
		BankID:          record[colBankID],
		StatementNumber: record[colStatementNumber],
		Mode:            model.Mode(record[colMode]),
		Status:          record[colStatus],
		Inserted:        counts[0],
		Skipped:         counts[1],
		Reclassified:    counts[2],
		Duration:        time.Duration(counts[3]) * time.Millisecond,
		Error:           record[colError],
	}, nil
}

// Log appends to one CSV file. It is safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
}

// New returns a Log writing to path.
func New(path string) *Log {
	return &Log{path: path}
}

// Record appends entries.
func (l *Log) Record(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Append(l.path, entries)
}

// Append writes entries to path, creating the file and header if needed.
func Append(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}

	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening import log: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()

	if needsHeader {
		if err := cw.Write(strings.Split(Header, ",")); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}

	for i, e := range entries {
		if err := cw.Write(MarshalEntry(e)); err != nil {
			return fmt.Errorf("writing entry %d: %w", i, err)
		}
	}

	return cw.Error()
}

// Read returns all entries from path. Returns nil if the file does not exist.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening import log: %w", err)
	}
	defer f.Close()

	return readEntries(f)
}

func readEntries(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading import log CSV: %w", err)
	}

	if len(records) <= 1 {
		return nil, nil
	}

	var entries []Entry
	for i, rec := range records[1:] {
		e, err := UnmarshalEntry(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
