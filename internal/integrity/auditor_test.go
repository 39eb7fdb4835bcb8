package integrity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/govledger/internal/auditledger"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubSource struct {
	mu      sync.Mutex
	results map[string]auditledger.VerificationResult
	errs    map[string]error
}

func (s *stubSource) Scopes(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for scope := range s.results {
		out = append(out, scope)
	}
	return out, nil
}

func (s *stubSource) VerifyScope(_ context.Context, scope string) (auditledger.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[scope]; err != nil {
		return auditledger.VerificationResult{}, err
	}
	return s.results[scope], nil
}

func (s *stubSource) set(scope string, r auditledger.VerificationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[scope] = r
}

type alertLog struct {
	mu     sync.Mutex
	events []map[string]string
}

func (l *alertLog) dispatch(_ context.Context, eventType string, payload map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if eventType == EventIntegrityFailed {
		l.events = append(l.events, payload)
	}
}

var (
	validResult  = auditledger.VerificationResult{Valid: true, Errors: []string{}, Length: 3}
	brokenResult = auditledger.VerificationResult{Valid: false, Errors: []string{"entry 1: hash mismatch"}, Length: 3}
)

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckAll_reportsSortedByScope(t *testing.T) {
	src := &stubSource{results: map[string]auditledger.VerificationResult{"b": validResult, "a": validResult, "c": brokenResult}}
	a := New(src, Config{}, zap.NewNop())

	reports := a.CheckAll(context.Background())
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for i, want := range []string{"a", "b", "c"} {
		if reports[i].Scope != want {
			t.Errorf("report %d: got scope %q, want %q", i, reports[i].Scope, want)
		}
	}
	if got := a.Broken(); len(got) != 1 || got[0] != "c" {
		t.Errorf("Broken(): got %v", got)
	}
}

func TestCheckAll_alertsOnceOnTransition(t *testing.T) {
	src := &stubSource{results: map[string]auditledger.VerificationResult{"org": validResult}}
	alerts := &alertLog{}
	a := New(src, Config{}, zap.NewNop())
	a.SetAlertDispatch(alerts.dispatch)

	a.CheckAll(context.Background())
	src.set("org", brokenResult)
	a.CheckAll(context.Background())
	a.CheckAll(context.Background())

	if len(alerts.events) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts.events))
	}
	if alerts.events[0]["scope"] != "org" || alerts.events[0]["length"] != "3" {
		t.Errorf("alert payload: %v", alerts.events[0])
	}

	src.set("org", validResult)
	a.CheckAll(context.Background())
	if len(a.Broken()) != 0 {
		t.Error("scope should no longer be reported broken")
	}
}

func TestCheckAll_brokenOnFirstSightAlerts(t *testing.T) {
	src := &stubSource{results: map[string]auditledger.VerificationResult{"org": brokenResult}}
	alerts := &alertLog{}
	a := New(src, Config{}, zap.NewNop())
	a.SetAlertDispatch(alerts.dispatch)

	a.CheckAll(context.Background())
	if len(alerts.events) != 1 {
		t.Errorf("expected alert for a chain broken at first audit, got %d", len(alerts.events))
	}
}

func TestCheckAll_readErrorKeepsVerdict(t *testing.T) {
	src := &stubSource{
		results: map[string]auditledger.VerificationResult{"org": validResult},
		errs:    map[string]error{},
	}
	alerts := &alertLog{}
	a := New(src, Config{}, zap.NewNop())
	a.SetAlertDispatch(alerts.dispatch)

	a.CheckAll(context.Background())
	src.mu.Lock()
	src.errs["org"] = errors.New("connection refused")
	src.mu.Unlock()

	reports := a.CheckAll(context.Background())
	if !reports[0].Valid || len(reports[0].Errors) != 1 {
		t.Errorf("unexpected report: %+v", reports[0])
	}
	if len(alerts.events) != 0 {
		t.Error("a read error must not raise an integrity alert")
	}
	if last, _ := a.Last("org"); !last.Valid {
		t.Error("last verdict should be unchanged")
	}
}

func TestCheckAll_metrics(t *testing.T) {
	src := &stubSource{results: map[string]auditledger.VerificationResult{"a": validResult, "b": brokenResult}}
	a := New(src, Config{Concurrency: 1}, zap.NewNop())

	var mu sync.Mutex
	got := map[string]bool{}
	a.SetMetricsRecord(func(scope string, valid bool) {
		mu.Lock()
		got[scope] = valid
		mu.Unlock()
	})
	a.CheckAll(context.Background())

	if !got["a"] || got["b"] || len(got) != 2 {
		t.Errorf("metrics: %v", got)
	}
}

func TestCheckAll_realLedger(t *testing.T) {
	ctx := context.Background()
	l, err := auditledger.New(auditledger.NewMemoryStore(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for _, scope := range []string{"x", "y"} {
		if _, err := l.Append(ctx, scope, "agent", "X", nil); err != nil {
			t.Fatal(err)
		}
	}

	reports := New(l, Config{}, zap.NewNop()).CheckAll(ctx)
	if len(reports) != 2 || !reports[0].Valid || !reports[1].Valid {
		t.Errorf("unexpected reports: %+v", reports)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	src := &stubSource{results: map[string]auditledger.VerificationResult{}}
	a := New(src, Config{Interval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
