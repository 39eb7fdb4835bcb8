package governance_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/jmerrifield20/govledger/internal/auditledger"
	"github.com/jmerrifield20/govledger/internal/governance"
	"go.uber.org/zap"
)

var ctx = context.Background()

func newRecorder(t *testing.T, policy governance.Policy) (*governance.Recorder, *auditledger.Ledger) {
	t.Helper()
	l, err := auditledger.New(auditledger.NewMemoryStore(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return governance.NewRecorder(l, "org-1", "agent-1", policy, zap.NewNop()), l
}

func lastEntry(t *testing.T, l *auditledger.Ledger) *auditledger.Entry {
	t.Helper()
	e, err := l.Tail(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("ledger is empty")
	}
	return e
}

func TestLogDecision(t *testing.T) {
	r, l := newRecorder(t, nil)

	e, err := r.LogDecision(ctx,
		map[string]any{"ticket": "T-1"},
		map[string]any{"approve": true},
		0.87,
	)
	if err != nil {
		t.Fatal(err)
	}
	if e.Action != governance.ActionDecisionLogged {
		t.Errorf("action: got %q", e.Action)
	}
	if e.AgentID != "agent-1" {
		t.Errorf("agentId: got %q", e.AgentID)
	}
	for _, k := range []string{"context", "decision", "confidence"} {
		if _, ok := e.Data[k]; !ok {
			t.Errorf("data missing %q: %v", k, e.Data)
		}
	}
	if got := lastEntry(t, l); got.Hash != e.Hash {
		t.Error("returned entry is not the ledger tail")
	}
}

func TestLogDecision_rejectsBadConfidence(t *testing.T) {
	r, l := newRecorder(t, nil)

	for _, c := range []float64{-0.1, 1.01, math.NaN(), math.Inf(1)} {
		_, err := r.LogDecision(ctx, nil, nil, c)
		if !errors.Is(err, auditledger.ErrValidation) {
			t.Errorf("confidence %v: expected validation error, got %v", c, err)
		}
	}
	if n, _ := l.Len(ctx, "org-1"); n != 0 {
		t.Errorf("rejected decisions must not be recorded, got %d entries", n)
	}

	for _, c := range []float64{0, 1} {
		if _, err := r.LogDecision(ctx, nil, nil, c); err != nil {
			t.Errorf("confidence %v should be accepted: %v", c, err)
		}
	}
}

func TestRecordCommunication(t *testing.T) {
	r, _ := newRecorder(t, nil)

	e, err := r.RecordCommunication(ctx, "agent-1 -> agent-2", map[string]any{"channel": "slack"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Action != governance.ActionCommunicationRecorded {
		t.Errorf("action: got %q", e.Action)
	}
	if e.Data["label"] != "agent-1 -> agent-2" {
		t.Errorf("label: got %v", e.Data["label"])
	}
}

func TestInterceptToolCall_blockedNeverExecutes(t *testing.T) {
	r, l := newRecorder(t, nil)

	called := false
	spy := func(context.Context, map[string]any) (string, error) {
		called = true
		return "done", nil
	}

	_, err := governance.InterceptToolCall(ctx, r, "database_modify", map[string]any{"table": "users"}, spy)
	if !errors.Is(err, governance.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if called {
		t.Error("executor ran for a blocked tool call")
	}

	var blocked *governance.BlockedOperationError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedOperationError, got %T", err)
	}
	if blocked.Tool != "database_modify" || blocked.Rule != "database_write" || blocked.Entry == nil {
		t.Errorf("unexpected block detail: %+v", blocked)
	}
	if errors.Is(err, auditledger.ErrPersistence) {
		t.Error("a recorded block must not look like a persistence failure")
	}

	e := lastEntry(t, l)
	if e.Action != governance.ActionToolCallBlocked {
		t.Errorf("action: got %q", e.Action)
	}
	for _, k := range []string{"toolName", "params", "rule", "reason"} {
		if _, ok := e.Data[k]; !ok {
			t.Errorf("blocked entry missing %q: %v", k, e.Data)
		}
	}
}

func TestInterceptToolCall_allowedRecordsBeforeExecuting(t *testing.T) {
	r, l := newRecorder(t, nil)

	var lenDuringExec int64
	exec := func(ctx context.Context, params map[string]any) (int, error) {
		lenDuringExec, _ = l.Len(ctx, "org-1")
		return 7, nil
	}

	got, err := governance.InterceptToolCall(ctx, r, "analytics_query", nil, exec)
	if err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Errorf("result: got %d, want 7", got)
	}
	if lenDuringExec != 1 {
		t.Errorf("TOOL_CALL_ALLOWED should exist before exec runs, ledger had %d entries", lenDuringExec)
	}
	if e := lastEntry(t, l); e.Action != governance.ActionToolCallAllowed {
		t.Errorf("action: got %q", e.Action)
	}
}

func TestInterceptToolCall_executorErrorPropagates(t *testing.T) {
	r, l := newRecorder(t, nil)
	boom := errors.New("boom")

	_, err := governance.InterceptToolCall(ctx, r, "http_get", nil,
		func(context.Context, map[string]any) (struct{}, error) { return struct{}{}, boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected executor error, got %v", err)
	}
	if e := lastEntry(t, l); e.Action != governance.ActionToolCallAllowed {
		t.Error("allowed entry should remain even when the tool fails")
	}
}

// failingAppender rejects every append.
type failingAppender struct{}

func (failingAppender) Append(context.Context, string, string, string, map[string]any) (*auditledger.Entry, error) {
	return nil, &auditledger.PersistenceError{Scope: "org-1", Op: "append", Err: errors.New("db down")}
}

func TestInterceptToolCall_unrecordedAllowDoesNotExecute(t *testing.T) {
	r := governance.NewRecorder(failingAppender{}, "org-1", "agent-1", nil, zap.NewNop())

	called := false
	_, err := governance.InterceptToolCall(ctx, r, "http_get", nil,
		func(context.Context, map[string]any) (bool, error) { called = true; return true, nil })
	if !errors.Is(err, auditledger.ErrPersistence) {
		t.Errorf("expected persistence error, got %v", err)
	}
	if called {
		t.Error("executor ran without an audit entry")
	}
}

func TestInterceptToolCall_unrecordedBlock(t *testing.T) {
	r := governance.NewRecorder(failingAppender{}, "org-1", "agent-1", nil, zap.NewNop())

	_, err := governance.InterceptToolCall(ctx, r, "shell_exec", nil,
		func(context.Context, map[string]any) (bool, error) { return true, nil })
	if !errors.Is(err, governance.ErrBlocked) || !errors.Is(err, auditledger.ErrPersistence) {
		t.Errorf("expected both blocked and persistence errors, got %v", err)
	}
}

// erroringPolicy fails every assessment.
type erroringPolicy struct{}

func (erroringPolicy) Assess(context.Context, string, map[string]any) (governance.Assessment, error) {
	return governance.Assessment{}, errors.New("policy backend unavailable")
}

func TestInterceptToolCall_policyErrorFailsClosed(t *testing.T) {
	r, _ := newRecorder(t, erroringPolicy{})

	_, err := governance.InterceptToolCall(ctx, r, "analytics_query", nil,
		func(context.Context, map[string]any) (bool, error) {
			t.Error("executor must not run when policy evaluation fails")
			return true, nil
		})
	var blocked *governance.BlockedOperationError
	if !errors.As(err, &blocked) || blocked.Rule != governance.RulePolicyError {
		t.Errorf("expected policy-error block, got %v", err)
	}
}

func TestPolicyFunc(t *testing.T) {
	deny := governance.PolicyFunc(func(tool string, params map[string]any) bool {
		return params["amount"] != nil
	})
	r, _ := newRecorder(t, deny)

	if _, err := r.EvaluateToolCall(ctx, "payment_lookup", nil); err != nil {
		t.Errorf("expected allow, got %v", err)
	}
	_, err := r.EvaluateToolCall(ctx, "payment_lookup", map[string]any{"amount": 10})
	var blocked *governance.BlockedOperationError
	if !errors.As(err, &blocked) || blocked.Rule != governance.RulePredicate {
		t.Errorf("expected predicate block, got %v", err)
	}
}

func TestOnBlocked(t *testing.T) {
	r, _ := newRecorder(t, nil)

	var got []string
	r.OnBlocked(func(scope string, err *governance.BlockedOperationError) {
		got = append(got, scope+":"+err.Tool)
	})

	other := r.With("org-2", "agent-9")
	_, _ = other.EvaluateToolCall(ctx, "shell_exec", nil)
	_, _ = r.EvaluateToolCall(ctx, "analytics_query", nil)

	if len(got) != 1 || got[0] != "org-2:shell_exec" {
		t.Errorf("hook calls: %v", got)
	}
}

func TestEvaluateToolCall_emptyName(t *testing.T) {
	r, _ := newRecorder(t, nil)
	if _, err := r.EvaluateToolCall(ctx, "", nil); !errors.Is(err, auditledger.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRecorder_chainStaysValid(t *testing.T) {
	r, l := newRecorder(t, nil)

	_, _ = r.LogDecision(ctx, nil, map[string]any{"x": 1}, 0.5)
	_, _ = r.RecordCommunication(ctx, "hello", nil)
	_, _ = r.EvaluateToolCall(ctx, "database_drop", nil)
	_, _ = r.EvaluateToolCall(ctx, "analytics_query", map[string]any{"q": "select 1"})
	_, _ = r.Record(ctx, "AGENT_CONNECTED", map[string]any{"via": "sdk"})

	res, err := l.VerifyScope(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Length != 5 {
		t.Errorf("expected valid chain of 5, got %+v", res)
	}
}
