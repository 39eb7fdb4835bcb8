package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/govledger/internal/auditledger"
	"github.com/jmerrifield20/govledger/internal/checkpoint"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// LedgerHandler exposes the audit ledger over HTTP.
type LedgerHandler struct {
	ledger *auditledger.Ledger
	signer *checkpoint.Signer
	feed   *auditledger.Feed
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledger *auditledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// SetSigner enables the checkpoint endpoint.
func (h *LedgerHandler) SetSigner(s *checkpoint.Signer) { h.signer = s }

// SetFeed enables the live stream endpoint.
func (h *LedgerHandler) SetFeed(f *auditledger.Feed) { h.feed = f }

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.POST("/verify", h.VerifyRecords)
		l.GET("/scopes", h.Scopes)
		l.GET("/:scope", h.Overview)
		l.GET("/:scope/verify", h.VerifyScope)
		l.GET("/:scope/checkpoint", h.Checkpoint)
		l.GET("/:scope/stream", h.Stream)
		l.GET("/:scope/entries", h.ListEntries)
		l.POST("/:scope/entries", h.Append)
		l.GET("/:scope/entries/:idx", h.GetEntry)
	}
}

type appendRequest struct {
	AgentID string         `json:"agentId"`
	Action  string         `json:"action"`
	Data    map[string]any `json:"data"`
}

// Append handles POST /ledger/:scope/entries.
func (h *LedgerHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.ledger.Append(c.Request.Context(), c.Param("scope"), req.AgentID, req.Action, req.Data)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListEntries handles GET /ledger/:scope/entries?from=&limit= and returns one
// ordered page of the chain.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	scope := c.Param("scope")
	entries, err := h.ledger.Entries(c.Request.Context(), scope, from, limit)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}

	resp := gin.H{"scope": scope, "entries": entries}
	if len(entries) == limit {
		resp["next"] = entries[len(entries)-1].Index + 1
	}
	c.JSON(http.StatusOK, resp)
}

// GetEntry handles GET /ledger/:scope/entries/:idx.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.ParseInt(c.Param("idx"), 10, 64)
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), c.Param("scope"), idx)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Overview handles GET /ledger/:scope and returns the chain length and root.
func (h *LedgerHandler) Overview(c *gin.Context) {
	scope := c.Param("scope")
	tail, err := h.ledger.Tail(c.Request.Context(), scope)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	length, root := chainHead(tail)
	c.JSON(http.StatusOK, gin.H{"scope": scope, "length": length, "root": root})
}

// Scopes handles GET /ledger/scopes.
func (h *LedgerHandler) Scopes(c *gin.Context) {
	scopes, err := h.ledger.Scopes(c.Request.Context())
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scopes": scopes})
}

// VerifyScope handles GET /ledger/:scope/verify and checks the stored chain.
func (h *LedgerHandler) VerifyScope(c *gin.Context) {
	scope := c.Param("scope")
	res, err := h.ledger.VerifyScope(c.Request.Context(), scope)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	RecordVerification(res.Valid)
	if !res.Valid {
		h.logger.Warn("stored chain failed verification",
			zap.String("scope", scope),
			zap.Strings("errors", res.Errors),
		)
	}
	c.JSON(http.StatusOK, res)
}

// VerifyRecords handles POST /ledger/verify.
// The body is {"records": [...]}; ?digest= selects a non-default digest.
func (h *LedgerHandler) VerifyRecords(c *gin.Context) {
	digest := h.ledger.Digest()
	if name := c.Query("digest"); name != "" {
		d, err := auditledger.DigestByName(name)
		if err != nil {
			badVerify(c, err.Error())
			return
		}
		digest = d
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil || body == nil {
		badVerify(c, "request body must be a JSON object")
		return
	}
	raw, ok := body["records"]
	if !ok {
		badVerify(c, `missing "records"`)
		return
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		badVerify(c, `"records" must be an array`)
		return
	}

	res := auditledger.VerifyRecords(records, digest)
	if len(records) == 0 {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	RecordVerification(res.Valid)
	c.JSON(http.StatusOK, res)
}

// Checkpoint handles GET /ledger/:scope/checkpoint and returns a signed
// statement of the chain's current length and root.
func (h *LedgerHandler) Checkpoint(c *gin.Context) {
	if h.signer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkpoints are not enabled"})
		return
	}

	scope := c.Param("scope")
	tail, err := h.ledger.Tail(c.Request.Context(), scope)
	if err != nil {
		writeLedgerError(c, h.logger, err)
		return
	}
	length, root := chainHead(tail)

	token, err := h.signer.Issue(scope, length, root, h.ledger.Digest().Name())
	if err != nil {
		h.logger.Error("issue checkpoint", zap.String("scope", scope), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign checkpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scope":  scope,
		"length": length,
		"root":   root,
		"token":  token,
	})
}

func chainHead(tail *auditledger.Entry) (int64, string) {
	if tail == nil {
		return 0, auditledger.GenesisPrevHash
	}
	return tail.Index + 1, tail.Hash
}

func badVerify(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, auditledger.VerificationResult{
		Valid:  false,
		Errors: []string{msg},
		Length: 0,
	})
}

// decodeJSON reads the request body keeping numbers as json.Number so payload
// values are stored exactly as sent.
func decodeJSON(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return errors.New("request body must be valid JSON")
	}
	return nil
}

// writeLedgerError maps ledger errors to HTTP statuses.
func writeLedgerError(c *gin.Context, logger *zap.Logger, err error) {
	var verr *auditledger.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, auditledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, auditledger.ErrPersistence):
		logger.Error("ledger persistence failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger temporarily unavailable"})
	default:
		logger.Error("ledger request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
	}
}
