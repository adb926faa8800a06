// Package errors defines the error kinds shared across the search core and
// the policy helpers that classify them as recoverable-in-band or fatal.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrQuerySyntax marks a regex that failed to compile. Reported to the
	// caller in-band; the session continues.
	ErrQuerySyntax = errors.New("query syntax error")
	// ErrQueryTooComplex marks a regex rejected by the planner bounds
	// (program size or width overflow). Reported in-band.
	ErrQueryTooComplex = errors.New("query too complex")
	// ErrSealedIndex marks an attempted mutation after finalize.
	ErrSealedIndex = errors.New("index is sealed")
	// ErrDuplicateTree marks a (name, version) ingest collision.
	ErrDuplicateTree = errors.New("duplicate tree")
	// ErrIndexBuildFailed marks a suffix-array construction or allocation
	// failure during ingest.
	ErrIndexBuildFailed = errors.New("index build failed")
	// ErrIncompatibleIndex marks an on-disk format mismatch on load.
	ErrIncompatibleIndex = errors.New("incompatible index file")
	// ErrIO marks a socket, file, or memory-map failure.
	ErrIO = errors.New("i/o failure")
)

// QueryError wraps a per-query failure with the message shown to the caller.
type QueryError struct {
	Err     error
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError builds a QueryError around one of the sentinel kinds.
func NewQueryError(sentinel error, format string, args ...any) *QueryError {
	return &QueryError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsRecoverable reports whether err should be returned to the caller in-band
// with the session kept alive. Everything else is fatal to the containing
// operation.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrQuerySyntax) || errors.Is(err, ErrQueryTooComplex)
}

// UserMessage extracts the caller-visible message for a recoverable error.
func UserMessage(err error) string {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Message
	}
	return err.Error()
}

// Is, As, and New re-export the stdlib helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
