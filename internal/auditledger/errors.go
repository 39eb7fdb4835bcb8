package auditledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("auditledger: validation failed")

	// ErrPersistence matches every *PersistenceError via errors.Is.
	ErrPersistence = errors.New("auditledger: persistence failed")

	// ErrTailMismatch is returned by Store.AppendIfTail when the chain tail no
	// longer matches the predecessor the new entry was built against.
	ErrTailMismatch = errors.New("auditledger: chain tail moved")

	// ErrNotFound is returned when a scope or entry does not exist.
	ErrNotFound = errors.New("auditledger: not found")
)

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PersistenceError reports a storage failure during an append or tail read
// after retries were exhausted. No partial entry is visible when it is returned.
type PersistenceError struct {
	Scope string
	Index int64 // index being written, -1 when the tail could not be read
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("ledger %s failed for scope %q: %v", e.Op, e.Scope, e.Err)
	}
	return fmt.Sprintf("ledger %s failed for scope %q at index %d: %v", e.Op, e.Scope, e.Index, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
