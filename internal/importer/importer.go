package importer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
)

var (
	// ErrUnknownBank is returned by Resolve for an unregistered bank id.
	ErrUnknownBank = errors.New("unknown bank")
	// ErrDuplicateBankID is returned by Register when the bank id is taken.
	ErrDuplicateBankID = errors.New("duplicate bank id")
)

// Parser converts one statement document into a StatementDocument.
// Implementations own their bank's layout heuristics and must reconcile
// the extracted lines against the printed balances before returning.
type Parser interface {
	Parse(data []byte) (*model.StatementDocument, error)
	BankID() string
}

// Registry maps bank ids to parsers. It is filled once at startup and
// only read afterwards.
type Registry struct {
	parsers map[string]Parser
}

// FileInfo describes a statement document in a watched or import directory.
type FileInfo struct {
	Name string
	Path string
	Size int64
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds a parser keyed by its bank id (case-insensitive).
func (r *Registry) Register(p Parser) error {
	key := strings.ToLower(p.BankID())
	if _, ok := r.parsers[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBankID, key)
	}
	r.parsers[key] = p
	return nil
}

// MustRegister is Register for startup code. Panics on duplicate bank id.
func (r *Registry) MustRegister(p Parser) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Resolve returns the parser for bankID.
func (r *Registry) Resolve(bankID string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(bankID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBank, bankID)
	}
	return p, nil
}

// Banks returns the registered bank ids, sorted.
func (r *Registry) Banks() []string {
	ids := make([]string, 0, len(r.parsers))
	for k := range r.parsers {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRegistry returns a registry with all built-in parsers, each
// reconciling within tolerance.
func DefaultRegistry(tolerance decimal.Decimal) *Registry {
	r := NewRegistry()
	r.MustRegister(NewFNBParser(tolerance))
	r.MustRegister(NewChaseParser(tolerance))
	return r
}

// processedDir is the subdirectory for imported documents.
const processedDir = "processed"

// DefaultExtensions are the document types scanned when none are configured.
var DefaultExtensions = []string{".pdf", ".txt", ".csv"}

// HasExtension reports whether name ends with one of exts (case-insensitive).
func HasExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Scan returns statement documents directly inside dir.
func Scan(dir string, exts []string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading import dir: %w", err)
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !HasExtension(e.Name(), exts) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, FileInfo{
			Name: e.Name(),
			Path: filepath.Join(dir, e.Name()),
			Size: info.Size(),
		})
	}
	return files, nil
}

// ScanProcessed returns documents already moved to dir/processed, for replays.
func ScanProcessed(dir string, exts []string) ([]FileInfo, error) {
	return Scan(filepath.Join(dir, processedDir), exts)
}

// MarkProcessed moves path into the processed/ subdirectory next to it.
func MarkProcessed(path string) (string, error) {
	dstDir := filepath.Join(filepath.Dir(path), processedDir)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", fmt.Errorf("creating processed dir: %w", err)
	}

	dst := filepath.Join(dstDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("moving %s to processed: %w", filepath.Base(path), err)
	}
	return dst, nil
}
