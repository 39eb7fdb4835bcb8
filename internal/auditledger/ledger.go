package auditledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AppendHook is called after an entry has been durably appended.
type AppendHook func(scope string, e Entry)

// RetryPolicy bounds how often Append retries a conflicting or failed write.
// Delays grow exponentially from BaseDelay and are capped at MaxDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when no WithRetryPolicy option is given.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  5,
	BaseDelay: 20 * time.Millisecond,
	MaxDelay:  500 * time.Millisecond,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}

// Ledger is the single writer of audit chains. It builds, hashes and
// persists entries and is safe for concurrent use.
type Ledger struct {
	store        Store
	digest       Digest
	clock        func() time.Time
	retry        RetryPolicy
	storeTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*scopeLock

	hooksMu sync.RWMutex
	hooks   []AppendHook

	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger) error

// WithDigest selects the digest used for new entries. Legacy32 is rejected.
func WithDigest(d Digest) Option {
	return func(l *Ledger) error {
		if d == nil {
			return errors.New("digest must not be nil")
		}
		if d.Name() == DigestLegacy32 {
			return fmt.Errorf("digest %q is verify-only", d.Name())
		}
		l.digest = d
		return nil
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) error {
		l.clock = clock
		return nil
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) error {
		if p.Attempts < 1 {
			return fmt.Errorf("retry attempts must be at least 1, got %d", p.Attempts)
		}
		l.retry = p
		return nil
	}
}

// WithStoreTimeout bounds every individual store call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Ledger) error {
		l.storeTimeout = d
		return nil
	}
}

// New creates a Ledger writing to store.
func New(store Store, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:        store,
		digest:       SHA256,
		clock:        time.Now,
		retry:        DefaultRetryPolicy,
		storeTimeout: 5 * time.Second,
		locks:        make(map[string]*scopeLock),
		logger:       logger,
	}
	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Digest returns the digest used for new entries.
func (l *Ledger) Digest() Digest { return l.digest }

// OnAppend registers a hook run after every successful append.
func (l *Ledger) OnAppend(h AppendHook) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Append builds the next entry of scope and persists it.
//
// Appends to the same scope are linearised: within this process by a
// per-scope mutex, across processes by the store's conditional append.
// A lost race or a transient store error is retried from a fresh tail read.
func (l *Ledger) Append(ctx context.Context, scope, agentID, action string, data map[string]any) (*Entry, error) {
	if strings.TrimSpace(scope) == "" {
		return nil, &ValidationError{Field: "scope", Reason: "must not be empty"}
	}
	if strings.TrimSpace(action) == "" {
		return nil, &ValidationError{Field: "action", Reason: "must not be empty"}
	}
	payload, err := normaliseData(data)
	if err != nil {
		return nil, &ValidationError{Field: "data", Reason: err.Error()}
	}

	unlock := l.lockScope(scope)
	defer unlock()

	var perr *PersistenceError
	// pending is the last entry whose write returned an error. The write may
	// still have committed, so it is looked up before building a new entry.
	var pending *Entry
	for attempt := 1; attempt <= l.retry.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, l.retry.delay(attempt-1)); err != nil {
				perr.Err = errors.Join(perr.Err, err)
				break
			}
		}

		if pending != nil {
			ok, err := l.committed(ctx, scope, pending)
			if err != nil {
				perr = &PersistenceError{Scope: scope, Index: pending.Index, Op: "read entry", Err: err}
				l.logger.Warn("ledger append attempt failed",
					zap.String("scope", scope),
					zap.Int("attempt", attempt),
					zap.String("op", perr.Op),
					zap.Error(err),
				)
				continue
			}
			if ok {
				return l.appended(scope, pending), nil
			}
			pending = nil
		}

		entry, err := l.tryAppend(ctx, scope, agentID, action, payload)
		if err == nil {
			return l.appended(scope, entry), nil
		}

		if !errors.As(err, &perr) {
			return nil, err
		}
		if perr.Op == "append" {
			pending = entry
		}
		if ctx.Err() != nil {
			break
		}
		l.logger.Warn("ledger append attempt failed",
			zap.String("scope", scope),
			zap.Int("attempt", attempt),
			zap.String("op", perr.Op),
			zap.Error(perr.Err),
		)
	}

	if pending != nil {
		if ok, err := l.committed(context.WithoutCancel(ctx), scope, pending); err == nil && ok {
			return l.appended(scope, pending), nil
		}
	}

	l.logger.Error("ledger append failed",
		zap.String("scope", scope),
		zap.String("action", action),
		zap.Error(perr),
	)
	return nil, perr
}

func (l *Ledger) appended(scope string, entry *Entry) *Entry {
	l.logger.Debug("ledger entry appended",
		zap.String("scope", scope),
		zap.Int64("idx", entry.Index),
		zap.String("action", entry.Action),
		zap.String("agent_id", entry.AgentID),
	)
	l.runHooks(scope, *entry)
	return entry
}

// committed reports whether e, whose write returned an error, is stored anyway.
func (l *Ledger) committed(ctx context.Context, scope string, e *Entry) (bool, error) {
	tctx, cancel := l.withTimeout(ctx)
	defer cancel()
	got, err := l.store.Get(tctx, scope, e.Index)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got.Hash == e.Hash, nil
}

// tryAppend performs one read-tail / build / conditional-write cycle.
// Storage failures are returned as *PersistenceError. A failed write also
// returns the entry it tried to store.
func (l *Ledger) tryAppend(ctx context.Context, scope, agentID, action string, payload map[string]any) (*Entry, error) {
	tctx, cancel := l.withTimeout(ctx)
	tail, err := l.store.Tail(tctx, scope)
	cancel()
	if err != nil {
		return nil, &PersistenceError{Scope: scope, Index: -1, Op: "read tail", Err: err}
	}

	entry := &Entry{
		Index:     0,
		Timestamp: l.clock().UnixMilli(),
		AgentID:   agentID,
		Action:    action,
		Data:      payload,
		PrevHash:  GenesisPrevHash,
	}
	if tail != nil {
		entry.Index = tail.Index + 1
		entry.PrevHash = tail.Hash
	}

	hash, err := ComputeHash(entry, l.digest)
	if err != nil {
		return nil, fmt.Errorf("hash entry: %w", err)
	}
	entry.Hash = hash

	tctx, cancel = l.withTimeout(ctx)
	err = l.store.AppendIfTail(tctx, scope, entry)
	cancel()
	if err != nil {
		return entry, &PersistenceError{Scope: scope, Index: entry.Index, Op: "append", Err: err}
	}
	return entry, nil
}

// Tail returns the most recent entry of scope, or nil when it is empty.
func (l *Ledger) Tail(ctx context.Context, scope string) (*Entry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.store.Tail(ctx, scope)
}

// Root returns the hash of the chain tail, or GenesisPrevHash for an empty scope.
func (l *Ledger) Root(ctx context.Context, scope string) (string, error) {
	tail, err := l.Tail(ctx, scope)
	if err != nil {
		return "", err
	}
	if tail == nil {
		return GenesisPrevHash, nil
	}
	return tail.Hash, nil
}

// Get returns a single entry.
func (l *Ledger) Get(ctx context.Context, scope string, index int64) (*Entry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.store.Get(ctx, scope, index)
}

// Entries returns a page of entries starting at from.
func (l *Ledger) Entries(ctx context.Context, scope string, from int64, limit int) ([]Entry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.store.Entries(ctx, scope, from, limit)
}

// Len returns the number of entries in scope.
func (l *Ledger) Len(ctx context.Context, scope string) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.store.Len(ctx, scope)
}

// Scopes lists every non-empty scope.
func (l *Ledger) Scopes(ctx context.Context) ([]string, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.store.Scopes(ctx)
}

// exportPageSize is the page size used when walking a whole chain.
const exportPageSize = 1000

// Export reads the complete chain of scope in order.
func (l *Ledger) Export(ctx context.Context, scope string) ([]Entry, error) {
	var all []Entry
	var from int64
	for {
		page, err := l.Entries(ctx, scope, from, exportPageSize)
		if err != nil {
			return nil, fmt.Errorf("export %q from %d: %w", scope, from, err)
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			return all, nil
		}
		from = page[len(page)-1].Index + 1
	}
}

// VerifyScope exports the stored chain of scope and verifies it.
// An empty scope yields ErrNotFound rather than a failed result.
func (l *Ledger) VerifyScope(ctx context.Context, scope string) (VerificationResult, error) {
	entries, err := l.Export(ctx, scope)
	if err != nil {
		return VerificationResult{}, err
	}
	if len(entries) == 0 {
		return VerificationResult{}, fmt.Errorf("scope %q: %w", scope, ErrNotFound)
	}
	return Verify(entries, l.digest), nil
}

// scopeLock is dropped from Ledger.locks once nobody holds or waits for it.
type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func (l *Ledger) lockScope(scope string) func() {
	l.mu.Lock()
	sl, ok := l.locks[scope]
	if !ok {
		sl = &scopeLock{}
		l.locks[scope] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		if sl.refs--; sl.refs == 0 {
			delete(l.locks, scope)
		}
		l.mu.Unlock()
	}
}

func (l *Ledger) runHooks(scope string, e Entry) {
	l.hooksMu.RLock()
	defer l.hooksMu.RUnlock()
	for _, h := range l.hooks {
		h(scope, e)
	}
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.storeTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
