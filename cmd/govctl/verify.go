package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jmerrifield20/govledger/internal/auditledger"
	"github.com/spf13/cobra"
)

// errChainInvalid makes the process exit non-zero after the report is printed.
var errChainInvalid = errors.New("chain failed verification")

var verifyRemote bool

var verifyCmd = &cobra.Command{
	Use:   "verify <file|->",
	Short: "Verify an exported audit chain",
	Long: `Verify recomputes every hash of an exported chain and checks every link.

The file holds a JSON array of entries, or an object with an "entries" or
"records" array as returned by the export API. Use - to read stdin.

Verification runs locally unless --remote is given, in which case the
records are sent to the server's /api/v1/ledger/verify endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyRemote, "remote", false, "verify on the server instead of locally")
}

func runVerify(cmd *cobra.Command, args []string) error {
	records, err := readRecordsFile(cmd, args[0])
	if err != nil {
		return err
	}

	var res auditledger.VerificationResult
	if verifyRemote {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.Verify(cmd.Context(), records, digestAlg)
		if err != nil {
			return fmt.Errorf("remote verify: %w", err)
		}
		res = auditledger.VerificationResult{Valid: r.Valid, Errors: r.Errors, Length: r.Length}
	} else {
		d, err := auditledger.DigestByName(digestAlg)
		if err != nil {
			return err
		}
		res = auditledger.VerifyRecords(records, d)
	}

	printReport(cmd.OutOrStdout(), res)
	if !res.Valid {
		return errChainInvalid
	}
	return nil
}

func readRecordsFile(cmd *cobra.Command, name string) ([]json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return parseRecords(data)
}

// parseRecords accepts a bare JSON array or an object wrapping one under
// "entries" or "records".
func parseRecords(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("input is empty")
	}

	var records []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse records: %w", err)
		}
		return records, nil
	}

	var wrapper struct {
		Entries []json.RawMessage `json:"entries"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	switch {
	case wrapper.Entries != nil:
		return wrapper.Entries, nil
	case wrapper.Records != nil:
		return wrapper.Records, nil
	default:
		return nil, errors.New(`expected a JSON array or an object with "entries" or "records"`)
	}
}

func printReport(w io.Writer, res auditledger.VerificationResult) {
	if res.Valid {
		color.New(color.FgGreen).Fprintf(w, "✓ chain valid: %d entries\n", res.Length)
		return
	}
	color.New(color.FgRed, color.Bold).Fprintf(w, "✗ chain INVALID: %d entries, %d problem(s)\n", res.Length, len(res.Errors))
	for _, e := range res.Errors {
		color.New(color.FgYellow).Fprintf(w, "  - %s\n", e)
	}
}
