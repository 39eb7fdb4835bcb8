package auditledger

import "context"

// Store persists audit chains. Both MemoryStore and PostgresStore implement it.
//
// Implementations must make every entry visible atomically and must never
// update or delete a stored entry.
type Store interface {
	// Tail returns the most recent entry of scope, or nil when the scope is empty.
	Tail(ctx context.Context, scope string) (*Entry, error)

	// AppendIfTail stores e only if it directly follows the current tail:
	// e.Index == 0 with PrevHash == GenesisPrevHash on an empty scope, or
	// e.Index == tail.Index+1 with PrevHash == tail.Hash. Otherwise it returns
	// ErrTailMismatch and stores nothing.
	AppendIfTail(ctx context.Context, scope string, e *Entry) error

	// Entries returns up to limit entries of scope with Index >= from, in order.
	Entries(ctx context.Context, scope string, from int64, limit int) ([]Entry, error)

	// Get returns the entry at index, or ErrNotFound.
	Get(ctx context.Context, scope string, index int64) (*Entry, error)

	// Len returns the number of entries in scope.
	Len(ctx context.Context, scope string) (int64, error)

	// Scopes lists every scope holding at least one entry, sorted.
	Scopes(ctx context.Context) ([]string, error)
}

// followsTail reports whether e may be appended after tail (nil = empty chain).
func followsTail(tail, e *Entry) bool {
	if tail == nil {
		return e.Index == 0 && e.PrevHash == GenesisPrevHash
	}
	return e.Index == tail.Index+1 && e.PrevHash == tail.Hash
}
