package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrLockHeld is returned by a LockStore when another owner holds a live lock.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrLockTimeout means the wait ceiling was reached while the key stayed held.
	ErrLockTimeout = errors.New("timed out waiting for processing lock")
	// ErrLockCancelled wraps the context error that interrupted a lock wait.
	ErrLockCancelled = errors.New("wait for processing lock cancelled")

	ErrNoExtension      = errors.New("file name has no extension")
	ErrDocumentNotFound = errors.New("document not found")
	ErrNoReader         = errors.New("no content store configured for backend")
)

// ValidationError is a malformed request. It never reaches the lock.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// HashError means a content name could not be derived.
type HashError struct {
	Name string
	Err  error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("derive content name for %q: %v", e.Name, e.Err)
}

func (e *HashError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the active storage backend. The cause is
// the collaborator's error, unchanged.
type StorageError struct {
	Backend Backend
	Op      string
	Name    string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage %s %s: %v", e.Backend, e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
