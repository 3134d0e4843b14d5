package ingest

import "fmt"

// ImportError is a failed statement import. It unwraps to the cause, so
// errors.Is(err, importer.ErrUnparsable) works through it.
type ImportError struct {
	Path   string
	BankID string
	Err    error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("importing %s (%s): %v", e.Path, e.BankID, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }
