package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/govledger/internal/governance"
	"go.uber.org/zap"
)

// GovernanceHandler exposes the governance recorders over HTTP so agents
// written in any language can report decisions and ask before using tools.
type GovernanceHandler struct {
	recorder *governance.Recorder
	logger   *zap.Logger
}

// NewGovernanceHandler creates a GovernanceHandler. recorder supplies the
// ledger, policy and hooks; scope and agent are taken from each request.
func NewGovernanceHandler(recorder *governance.Recorder, logger *zap.Logger) *GovernanceHandler {
	return &GovernanceHandler{recorder: recorder, logger: logger}
}

// Register mounts the governance routes on the given router group.
func (h *GovernanceHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/governance/:scope")
	{
		g.POST("/decisions", h.LogDecision)
		g.POST("/communications", h.RecordCommunication)
		g.POST("/tool-calls", h.EvaluateToolCall)
	}
}

type decisionRequest struct {
	AgentID    string         `json:"agentId"`
	Context    map[string]any `json:"context"`
	Decision   map[string]any `json:"decision"`
	Confidence *float64       `json:"confidence"`
}

// LogDecision handles POST /governance/:scope/decisions.
func (h *GovernanceHandler) LogDecision(c *gin.Context) {
	var req decisionRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Confidence == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confidence is required", "field": "confidence"})
		return
	}

	r := h.recorder.With(c.Param("scope"), req.AgentID)
	entry, err := r.LogDecision(c.Request.Context(), req.Context, req.Decision, *req.Confidence)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type communicationRequest struct {
	AgentID  string         `json:"agentId"`
	Label    string         `json:"label"`
	Metadata map[string]any `json:"metadata"`
}

// RecordCommunication handles POST /governance/:scope/communications.
func (h *GovernanceHandler) RecordCommunication(c *gin.Context) {
	var req communicationRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r := h.recorder.With(c.Param("scope"), req.AgentID)
	entry, err := r.RecordCommunication(c.Request.Context(), req.Label, req.Metadata)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type toolCallRequest struct {
	AgentID  string         `json:"agentId"`
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
}

// EvaluateToolCall handles POST /governance/:scope/tool-calls.
// 200 means the call was recorded as allowed and the agent may run the tool;
// 403 means it was recorded as blocked.
func (h *GovernanceHandler) EvaluateToolCall(c *gin.Context) {
	var req toolCallRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r := h.recorder.With(c.Param("scope"), req.AgentID)
	entry, err := r.EvaluateToolCall(c.Request.Context(), req.ToolName, req.Params)

	var blocked *governance.BlockedOperationError
	switch {
	case errors.As(err, &blocked) && blocked.Err == nil:
		RecordToolCall(false)
		c.JSON(http.StatusForbidden, gin.H{
			"allowed": false,
			"error":   blocked.Error(),
			"rule":    blocked.Rule,
			"reason":  blocked.Reason,
			"entry":   blocked.Entry,
		})
	case err != nil:
		// Includes a block that could not be recorded: the call stays denied
		// but the client sees a ledger failure.
		writeLedgerError(c, h.logger, err)
	default:
		RecordToolCall(true)
		c.JSON(http.StatusOK, gin.H{"allowed": true, "entry": entry})
	}
}
