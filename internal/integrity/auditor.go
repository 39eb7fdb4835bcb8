// Package integrity periodically re-verifies every stored chain and raises an
// alert when one stops verifying.
package integrity

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/govledger/internal/auditledger"
	"go.uber.org/zap"
)

// Config holds auditor configuration.
type Config struct {
	Interval     time.Duration
	ScopeTimeout time.Duration
	Concurrency  int
}

// ChainSource lists and verifies stored chains. *auditledger.Ledger implements it.
type ChainSource interface {
	Scopes(ctx context.Context) ([]string, error)
	VerifyScope(ctx context.Context, scope string) (auditledger.VerificationResult, error)
}

// AlertDispatchFunc is an optional callback for dispatching integrity alerts.
type AlertDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording per-scope results.
type MetricsRecordFunc func(scope string, valid bool)

// EventIntegrityFailed is the alert event type raised when a chain breaks.
const EventIntegrityFailed = "ledger.integrity_failed"

// Report is the outcome of auditing one scope.
type Report struct {
	Scope     string    `json:"scope"`
	Valid     bool      `json:"valid"`
	Length    int       `json:"length"`
	Errors    []string  `json:"errors,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Auditor runs periodic verification of every scope.
type Auditor struct {
	source    ChainSource
	cfg       Config
	mu        sync.Mutex
	last      map[string]Report
	onAlert   AlertDispatchFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Auditor.
func New(source ChainSource, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.ScopeTimeout == 0 {
		cfg.ScopeTimeout = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Auditor{
		source: source,
		cfg:    cfg,
		last:   make(map[string]Report),
		logger: logger,
	}
}

// SetAlertDispatch configures the alert callback.
func (a *Auditor) SetAlertDispatch(fn AlertDispatchFunc) {
	a.onAlert = fn
}

// SetMetricsRecord configures the metrics callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start runs the audit loop until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll verifies every scope with bounded concurrency and returns the
// reports sorted by scope.
func (a *Auditor) CheckAll(ctx context.Context) []Report {
	scopes, err := a.source.Scopes(ctx)
	if err != nil {
		a.logger.Error("integrity: list scopes", zap.Error(err))
		return nil
	}

	sem := make(chan struct{}, a.cfg.Concurrency)
	var wg sync.WaitGroup
	reports := make([]Report, len(scopes))

	for i, scope := range scopes {
		wg.Add(1)
		go func(i int, scope string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			reports[i] = a.check(ctx, scope)
		}(i, scope)
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Scope < reports[j].Scope })
	return reports
}

func (a *Auditor) check(ctx context.Context, scope string) Report {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.ScopeTimeout)
	defer cancel()

	rep := Report{Scope: scope, CheckedAt: time.Now().UTC()}
	res, err := a.source.VerifyScope(sctx, scope)
	if err != nil {
		// Unreadable is not the same as broken; keep the previous verdict.
		a.logger.Warn("integrity: verify scope", zap.String("scope", scope), zap.Error(err))
		rep.Errors = []string{err.Error()}
		a.mu.Lock()
		if prev, ok := a.last[scope]; ok {
			rep.Valid = prev.Valid
			rep.Length = prev.Length
		}
		a.mu.Unlock()
		return rep
	}
	rep.Valid = res.Valid
	rep.Length = res.Length
	rep.Errors = res.Errors

	if a.onMetrics != nil {
		a.onMetrics(scope, rep.Valid)
	}

	a.mu.Lock()
	prev, seen := a.last[scope]
	a.last[scope] = rep
	a.mu.Unlock()

	wasValid := !seen || prev.Valid
	switch {
	case wasValid && !rep.Valid:
		a.logger.Error("integrity: chain verification failed",
			zap.String("scope", scope),
			zap.Int("length", rep.Length),
			zap.Strings("errors", rep.Errors),
		)
		if a.onAlert != nil {
			a.onAlert(ctx, EventIntegrityFailed, map[string]string{
				"scope":  scope,
				"length": strconv.Itoa(rep.Length),
				"errors": strings.Join(rep.Errors, "; "),
			})
		}
	case !wasValid && rep.Valid:
		a.logger.Info("integrity: chain verifies again", zap.String("scope", scope))
	}
	return rep
}

// Broken returns the scopes whose most recent audit failed, sorted.
func (a *Auditor) Broken() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for scope, r := range a.last {
		if !r.Valid {
			out = append(out, scope)
		}
	}
	sort.Strings(out)
	return out
}

// Last returns the most recent report for scope.
func (a *Auditor) Last(scope string) (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.last[scope]
	return r, ok
}
