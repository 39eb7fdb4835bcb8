package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

func governancePath(scope, kind string) string {
	return "/api/v1/governance/" + url.PathEscape(scope) + "/" + kind
}

// LogDecision records an agent decision with its context and confidence,
// which must lie in [0, 1].
func (c *Client) LogDecision(ctx context.Context, scope, agentID string, situation, decision map[string]any, confidence float64) (*Entry, error) {
	body := map[string]any{
		"agentId":    agentID,
		"context":    situation,
		"decision":   decision,
		"confidence": confidence,
	}
	var e Entry
	if err := c.doJSON(ctx, http.MethodPost, governancePath(scope, "decisions"), body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordCommunication records a message exchanged by an agent.
func (c *Client) RecordCommunication(ctx context.Context, scope, agentID, label string, metadata map[string]any) (*Entry, error) {
	body := map[string]any{"agentId": agentID, "label": label, "metadata": metadata}
	var e Entry
	if err := c.doJSON(ctx, http.MethodPost, governancePath(scope, "communications"), body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EvaluateToolCall asks the server whether the agent may run toolName. The
// decision is recorded either way. On approval it returns the
// TOOL_CALL_ALLOWED entry and the caller should run the tool; on refusal it
// returns a *BlockedError matching ErrBlocked and the tool must not run.
func (c *Client) EvaluateToolCall(ctx context.Context, scope, agentID, toolName string, params map[string]any) (*Entry, error) {
	body := map[string]any{"agentId": agentID, "toolName": toolName, "params": params}
	status, respBody, err := c.doStatusBody(ctx, http.MethodPost, governancePath(scope, "tool-calls"), body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Allowed bool   `json:"allowed"`
		Rule    string `json:"rule"`
		Reason  string `json:"reason"`
		Entry   *Entry `json:"entry"`
	}
	switch status {
	case http.StatusOK, http.StatusForbidden:
		if err := decode(respBody, &resp); err != nil {
			return nil, fmt.Errorf("decode tool-call response: %w", err)
		}
	default:
		return nil, newAPIError(status, respBody)
	}

	if status == http.StatusForbidden || !resp.Allowed {
		return nil, &BlockedError{Tool: toolName, Rule: resp.Rule, Reason: resp.Reason, Entry: resp.Entry}
	}
	return resp.Entry, nil
}
