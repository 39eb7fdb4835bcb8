package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is matched by errors for 404 responses.
	ErrNotFound = errors.New("not found")

	// ErrBlocked is matched by the error EvaluateToolCall returns when the
	// server's policy refused the call.
	ErrBlocked = errors.New("tool call blocked by governance policy")

	// ErrUnavailable is matched by errors for 503 responses, which the
	// server returns when the ledger could not be written.
	ErrUnavailable = errors.New("ledger unavailable")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Field      string // set for validation failures
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("server error %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match status classes with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	e := &APIError{StatusCode: status}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		e.Message = payload.Error
		e.Field = payload.Field
	} else {
		e.Message = http.StatusText(status)
	}
	return e
}

// BlockedError reports a tool call the server's policy refused. The refusal
// is already recorded in the chain as Entry.
type BlockedError struct {
	Tool   string
	Rule   string
	Reason string
	Entry  *Entry
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tool %q blocked by rule %q: %s", e.Tool, e.Rule, e.Reason)
}

// Is reports whether target is ErrBlocked.
func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }
