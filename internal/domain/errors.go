package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCollectionMissing signals a collection that does not exist and may not be auto-created.
	ErrCollectionMissing = errors.New("collection does not exist")
	// ErrDocumentMissing signals an update against a document that does not exist.
	ErrDocumentMissing = errors.New("document missing")
	// ErrNotImplemented signals an unimplemented feature (geo and multi indexes).
	ErrNotImplemented = errors.New("not implemented")
	// ErrValidation is the sentinel behind every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrIndexMissing is the sentinel behind every IndexMissingError.
	ErrIndexMissing = errors.New("index missing")
	// ErrIndexNotReady is the sentinel behind every IndexNotReadyError.
	ErrIndexNotReady = errors.New("index not ready")
	// ErrIndexExists is the sentinel behind every IndexExistsError.
	ErrIndexExists = errors.New("index already exists")
	// ErrLifecycle is the sentinel behind every LifecycleError.
	ErrLifecycle = errors.New("lifecycle")
	// ErrExecution is the sentinel behind every ExecutionError.
	ErrExecution = errors.New("execution failed")
)

// ValidationError reports malformed or mutually exclusive query options.
// It is always raised before anything is sent to the database.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IndexMissingError reports that no index can serve the requested fields.
type IndexMissingError struct {
	Collection string
	Fields     []string
}

func (e *IndexMissingError) Error() string {
	return fmt.Sprintf("collection %q has no index matching [%s]",
		e.Collection, strings.Join(e.Fields, ", "))
}

func (e *IndexMissingError) Unwrap() error { return ErrIndexMissing }

// IndexNotReadyError reports a matching index that is still being built.
// Callers may retry after a backoff.
type IndexNotReadyError struct {
	Collection string
	Index      string
}

func (e *IndexNotReadyError) Error() string {
	return fmt.Sprintf("index %q on collection %q is not ready", e.Index, e.Collection)
}

func (e *IndexNotReadyError) Unwrap() error { return ErrIndexNotReady }

// IndexExistsError reports a local index with the same canonical name.
type IndexExistsError struct {
	Collection string
	Index      string
}

func (e *IndexExistsError) Error() string {
	return fmt.Sprintf("index %q already exists on collection %q", e.Index, e.Collection)
}

func (e *IndexExistsError) Unwrap() error { return ErrIndexExists }

// LifecycleError is delivered to waiters whose collection or index went away.
type LifecycleError struct {
	Reason string
}

func (e *LifecycleError) Error() string { return e.Reason }
func (e *LifecycleError) Unwrap() error { return ErrLifecycle }

// NewLifecycleError creates a LifecycleError with the given reason.
func NewLifecycleError(reason string) error {
	return &LifecycleError{Reason: reason}
}

// ExecutionError wraps a runtime failure reported by the database.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

// Is lets errors.Is match the ErrExecution sentinel while Unwrap keeps the cause.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }
func (e *ExecutionError) Unwrap() error      { return e.Err }

// DocumentMissingError carries the id that an update could not find.
type DocumentMissingError struct {
	ID any
}

func (e *DocumentMissingError) Error() string {
	return fmt.Sprintf("The document with id '%v' was missing.", e.ID)
}

func (e *DocumentMissingError) Unwrap() error { return ErrDocumentMissing }

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIndexNotReady)
}
