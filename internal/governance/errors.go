package governance

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/govledger/internal/auditledger"
)

// ErrBlocked matches every *BlockedOperationError via errors.Is.
var ErrBlocked = errors.New("governance: tool call blocked")

// BlockedOperationError is returned when policy denies a tool call.
// It is an audited, expected outcome, not a system failure.
type BlockedOperationError struct {
	Tool   string
	Rule   string
	Reason string

	// Entry is the TOOL_CALL_BLOCKED ledger entry, nil if it could not be written.
	Entry *auditledger.Entry

	// Err is the ledger error when the block could not be recorded.
	Err error
}

func (e *BlockedOperationError) Error() string {
	msg := fmt.Sprintf("tool call %q blocked by rule %q", e.Tool, e.Rule)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (not recorded: %v)", e.Err)
	}
	return msg
}

func (e *BlockedOperationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrBlocked.
func (e *BlockedOperationError) Is(target error) bool { return target == ErrBlocked }
