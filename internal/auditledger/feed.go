package auditledger

import "sync"

// Feed fans appended entries out to live subscribers of a scope.
// Register Feed.Publish with Ledger.OnAppend. Slow subscribers miss entries
// rather than blocking appends; they can re-sync through Entries.
type Feed struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Entry]struct{}
	buffer int
}

// NewFeed creates a Feed whose subscriber channels hold up to buffer entries.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: make(map[string]map[chan Entry]struct{}), buffer: buffer}
}

// Publish delivers e to every subscriber of scope without blocking.
func (f *Feed) Publish(scope string, e Entry) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs[scope] {
		select {
		case ch <- cloneEntry(e):
		default:
		}
	}
}

// Subscribe returns a channel of entries appended to scope from now on and a
// cancel func that closes it.
func (f *Feed) Subscribe(scope string) (<-chan Entry, func()) {
	ch := make(chan Entry, f.buffer)

	f.mu.Lock()
	if f.subs[scope] == nil {
		f.subs[scope] = make(map[chan Entry]struct{})
	}
	f.subs[scope][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[scope], ch)
			if len(f.subs[scope]) == 0 {
				delete(f.subs, scope)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers of scope.
func (f *Feed) Subscribers(scope string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[scope])
}
