// Package governance records AI agent activity into the audit ledger.
// A Recorder turns decisions, inter-agent communications and tool calls into
// ledger entries, consulting a Policy before any tool is allowed to run.
package governance

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/jmerrifield20/govledger/internal/auditledger"
	"go.uber.org/zap"
)

// Ledger actions written by a Recorder.
const (
	ActionDecisionLogged        = "DECISION_LOGGED"
	ActionToolCallAllowed       = "TOOL_CALL_ALLOWED"
	ActionToolCallBlocked       = "TOOL_CALL_BLOCKED"
	ActionCommunicationRecorded = "COMMUNICATION_RECORDED"
)

// Appender is the part of *auditledger.Ledger a Recorder writes through.
type Appender interface {
	Append(ctx context.Context, scope, agentID, action string, data map[string]any) (*auditledger.Entry, error)
}

// BlockHook is called whenever a tool call is blocked.
type BlockHook func(scope string, err *BlockedOperationError)

// Recorder funnels governance events for one agent into one ledger scope.
// It is safe for concurrent use.
type Recorder struct {
	ledger  Appender
	scope   string
	agentID string
	policy  Policy
	logger  *zap.Logger

	hooks *blockHooks
}

type blockHooks struct {
	mu    sync.RWMutex
	hooks []BlockHook
}

// NewRecorder creates a Recorder writing to scope as agentID.
// A nil policy falls back to DefaultRuleTable.
func NewRecorder(ledger Appender, scope, agentID string, policy Policy, logger *zap.Logger) *Recorder {
	if policy == nil {
		policy = DefaultRuleTable()
	}
	return &Recorder{
		ledger:  ledger,
		scope:   scope,
		agentID: agentID,
		policy:  policy,
		logger:  logger,
		hooks:   &blockHooks{},
	}
}

// With returns a Recorder for another scope and agent that shares this
// Recorder's ledger, policy and hooks.
func (r *Recorder) With(scope, agentID string) *Recorder {
	cp := *r
	cp.scope = scope
	cp.agentID = agentID
	return &cp
}

// Scope returns the ledger scope this Recorder writes to.
func (r *Recorder) Scope() string { return r.scope }

// OnBlocked registers a hook run after a blocked tool call has been recorded.
func (r *Recorder) OnBlocked(h BlockHook) {
	r.hooks.mu.Lock()
	defer r.hooks.mu.Unlock()
	r.hooks.hooks = append(r.hooks.hooks, h)
}

// Record appends an arbitrary action. It backs activity logging, agent
// connect and control events, and policy-violation reports.
func (r *Recorder) Record(ctx context.Context, action string, data map[string]any) (*auditledger.Entry, error) {
	return r.ledger.Append(ctx, r.scope, r.agentID, action, data)
}

// LogDecision records an agent decision with the context it was made in.
// confidence must lie in [0, 1].
func (r *Recorder) LogDecision(ctx context.Context, situation, decision map[string]any, confidence float64) (*auditledger.Entry, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, &auditledger.ValidationError{
			Field:  "confidence",
			Reason: fmt.Sprintf("must be between 0 and 1, got %v", confidence),
		}
	}
	return r.Record(ctx, ActionDecisionLogged, map[string]any{
		"context":    orEmpty(situation),
		"decision":   orEmpty(decision),
		"confidence": confidence,
	})
}

// RecordCommunication records a message exchanged between agents or with a human.
func (r *Recorder) RecordCommunication(ctx context.Context, label string, metadata map[string]any) (*auditledger.Entry, error) {
	return r.Record(ctx, ActionCommunicationRecorded, map[string]any{
		"label":    label,
		"metadata": orEmpty(metadata),
	})
}

// EvaluateToolCall assesses a tool call and records the verdict.
//
// A high-risk call is recorded as TOOL_CALL_BLOCKED and a
// *BlockedOperationError is returned. Otherwise TOOL_CALL_ALLOWED is recorded
// and its entry returned; the caller may then run the tool. A policy that
// fails to evaluate blocks the call.
func (r *Recorder) EvaluateToolCall(ctx context.Context, toolName string, params map[string]any) (*auditledger.Entry, error) {
	if toolName == "" {
		return nil, &auditledger.ValidationError{Field: "toolName", Reason: "must not be empty"}
	}
	params = orEmpty(params)

	a, err := r.policy.Assess(ctx, toolName, params)
	if err != nil {
		r.logger.Error("policy evaluation failed, blocking tool call",
			zap.String("scope", r.scope),
			zap.String("tool", toolName),
			zap.Error(err),
		)
		a = Assessment{HighRisk: true, Rule: RulePolicyError, Reason: err.Error()}
	}

	if a.HighRisk {
		return nil, r.block(ctx, toolName, params, a)
	}

	entry, err := r.Record(ctx, ActionToolCallAllowed, map[string]any{
		"toolName": toolName,
		"params":   params,
	})
	if err != nil {
		return nil, fmt.Errorf("record allowed tool call %q: %w", toolName, err)
	}
	return entry, nil
}

func (r *Recorder) block(ctx context.Context, toolName string, params map[string]any, a Assessment) error {
	entry, err := r.Record(ctx, ActionToolCallBlocked, map[string]any{
		"toolName": toolName,
		"params":   params,
		"rule":     a.Rule,
		"reason":   a.Reason,
	})
	blocked := &BlockedOperationError{
		Tool:   toolName,
		Rule:   a.Rule,
		Reason: a.Reason,
		Entry:  entry,
		Err:    err,
	}

	r.logger.Warn("tool call blocked",
		zap.String("scope", r.scope),
		zap.String("agent_id", r.agentID),
		zap.String("tool", toolName),
		zap.String("rule", a.Rule),
		zap.Bool("recorded", err == nil),
	)

	r.hooks.mu.RLock()
	defer r.hooks.mu.RUnlock()
	for _, h := range r.hooks.hooks {
		h(r.scope, blocked)
	}
	return blocked
}

// InterceptToolCall runs exec only if the policy allows toolName.
//
// The TOOL_CALL_ALLOWED entry is written before exec runs, so the audit trail
// exists even when exec fails; if that write fails exec is not run. A blocked
// call returns a *BlockedOperationError and never invokes exec.
func InterceptToolCall[T any](
	ctx context.Context,
	r *Recorder,
	toolName string,
	params map[string]any,
	exec func(ctx context.Context, params map[string]any) (T, error),
) (T, error) {
	var zero T
	if _, err := r.EvaluateToolCall(ctx, toolName, params); err != nil {
		return zero, err
	}
	return exec(ctx, params)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
