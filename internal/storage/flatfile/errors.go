package flatfile

// ============================================================================
// Flat-file error definitions
// Purpose: structural errors of the jobs database / schedule file codec
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRow indicates a jobs database row not matching the six-field shape
	ErrMalformedRow = errors.New("malformed database row")

	// ErrMalformedEntry indicates a schedule file line that is not a valid entry
	ErrMalformedEntry = errors.New("malformed schedule entry")

	// ErrIOFailure indicates a read or commit write failed
	ErrIOFailure = errors.New("io failure")
)

// MalformedRowError reports the offending database line.
type MalformedRowError struct {
	Line   int    // 1-based line number
	Text   string // raw line
	Reason string
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed database row at line %d: %s (%q)", e.Line, e.Reason, e.Text)
}

func (e *MalformedRowError) Unwrap() error {
	return ErrMalformedRow
}

// MalformedEntryError reports the offending schedule file line.
type MalformedEntryError struct {
	Line   int
	Text   string
	Reason string
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed schedule entry at line %d: %s (%q)", e.Line, e.Reason, e.Text)
}

func (e *MalformedEntryError) Unwrap() error {
	return ErrMalformedEntry
}

// IOError wraps a filesystem failure with the operation and path.
// It matches both ErrIOFailure and the underlying error.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIOFailure, e.Err}
}
