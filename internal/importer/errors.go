package importer

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnparsable matches every document-level parse failure, including
// reconciliation mismatches.
var ErrUnparsable = errors.New("unparsable document")

// UnparsableError reports a document whose layout markers are missing or malformed.
type UnparsableError struct {
	Reason string
}

func (e *UnparsableError) Error() string {
	return "unparsable document: " + e.Reason
}

// Is makes errors.Is(err, ErrUnparsable) true.
func (e *UnparsableError) Is(target error) bool {
	return target == ErrUnparsable
}

func unparsable(format string, args ...any) error {
	return &UnparsableError{Reason: fmt.Sprintf(format, args...)}
}

// ReconciliationError reports extracted lines that do not add up to the
// printed balances. Line is the 1-based statement line for running-balance
// mismatches and 0 for the closing-balance check.
type ReconciliationError struct {
	Expected  decimal.Decimal
	Computed  decimal.Decimal
	Tolerance decimal.Decimal
	Line      int
}

func (e *ReconciliationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("reconciliation mismatch at line %d: printed balance %s, computed %s (tolerance %s)",
			e.Line, e.Expected.StringFixed(2), e.Computed.StringFixed(2), e.Tolerance.String())
	}
	return fmt.Sprintf("reconciliation mismatch: closing balance %s, computed %s (tolerance %s)",
		e.Expected.StringFixed(2), e.Computed.StringFixed(2), e.Tolerance.String())
}

// Is makes a reconciliation mismatch a kind of unparsable document.
func (e *ReconciliationError) Is(target error) bool {
	return target == ErrUnparsable
}
