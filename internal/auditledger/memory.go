package auditledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Entry)}
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context, scope string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[scope]
	if len(chain) == 0 {
		return nil, nil
	}
	e := cloneEntry(chain[len(chain)-1])
	return &e, nil
}

// AppendIfTail implements Store.
func (s *MemoryStore) AppendIfTail(ctx context.Context, scope string, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[scope]
	var tail *Entry
	if len(chain) > 0 {
		tail = &chain[len(chain)-1]
	}
	if !followsTail(tail, e) {
		return ErrTailMismatch
	}
	s.chains[scope] = append(chain, cloneEntry(*e))
	return nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, scope string, from int64, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[scope]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(chain)) {
		return []Entry{}, nil
	}
	end := int64(len(chain))
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}
	out := make([]Entry, 0, end-from)
	for _, e := range chain[from:end] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, scope string, index int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[scope]
	if index < 0 || index >= int64(len(chain)) {
		return nil, fmt.Errorf("entry %d of %q: %w", index, scope, ErrNotFound)
	}
	e := cloneEntry(chain[index])
	return &e, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context, scope string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.chains[scope])), nil
}

// Scopes implements Store.
func (s *MemoryStore) Scopes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scopes := make([]string, 0, len(s.chains))
	for scope, chain := range s.chains {
		if len(chain) > 0 {
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

// cloneEntry deep-copies e so callers can never mutate stored history.
func cloneEntry(e Entry) Entry {
	e.Data = cloneValue(e.Data).(map[string]any)
	return e
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any{}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
