package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/jmerrifield20/govledger/internal/auditledger"
	"github.com/jmerrifield20/govledger/internal/checkpoint"
	"github.com/spf13/cobra"
)

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendAgent string
	appendData  string
)

var appendCmd = &cobra.Command{
	Use:   "append <scope> <action>",
	Short: "Append an entry to a chain",
	Example: `  govctl append acme-support ANALYTICS_QUERY --agent bot-1 --data '{"rows":42}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data map[string]any
		if appendData != "" {
			dec := json.NewDecoder(bytes.NewReader([]byte(appendData)))
			dec.UseNumber()
			if err := dec.Decode(&data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.Append(cmd.Context(), args[0], appendAgent, args[1], data)
		if err != nil {
			return err
		}
		return writeJSON(cmd, e)
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendAgent, "agent", "", "agent ID recorded on the entry")
	appendCmd.Flags().StringVar(&appendData, "data", "", "entry payload as a JSON object")
}

// ── export ───────────────────────────────────────────────────────────────────

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <scope>",
	Short: "Export a whole chain as a JSON array",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.ExportAll(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("encode entries: %w", err)
		}
		b = append(b, '\n')
		if exportOut == "" || exportOut == "-" {
			_, err = cmd.OutOrStdout().Write(b)
			return err
		}
		if err := os.WriteFile(exportOut, b, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", exportOut, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", len(entries), exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default stdout)")
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head <scope>",
	Short: "Show the length and root hash of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		o, err := c.Overview(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "SCOPE\t%s\n", o.Scope)
		fmt.Fprintf(tw, "LENGTH\t%d\n", o.Length)
		fmt.Fprintf(tw, "ROOT\t%s\n", o.Root)
		return tw.Flush()
	},
}

// ── checkpoint ───────────────────────────────────────────────────────────────

var (
	checkpointSecret string
	checkpointIssuer string
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <scope>",
	Short: "Fetch a signed checkpoint of a chain head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cp, err := c.Checkpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd, cp)
	},
}

var checkpointCheckCmd = &cobra.Command{
	Use:   "check <file> <token>",
	Short: "Check that an exported chain still contains a checkpointed head",
	Long: `check verifies the checkpoint signature with the server's secret, verifies
the exported chain, and confirms the entry at the checkpoint's length still
carries the checkpointed root hash.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkpointSecret == "" {
			checkpointSecret = os.Getenv("GOVCTL_CHECKPOINT_SECRET")
		}
		signer, err := checkpoint.NewSigner([]byte(checkpointSecret), checkpointIssuer, 0)
		if err != nil {
			return err
		}
		claims, err := signer.Verify(args[1])
		if err != nil {
			return err
		}

		records, err := readRecordsFile(cmd, args[0])
		if err != nil {
			return err
		}
		d, err := auditledger.DigestByName(claims.Digest)
		if err != nil {
			return err
		}
		res := auditledger.VerifyRecords(records, d)
		printReport(cmd.OutOrStdout(), res)
		if !res.Valid {
			return errChainInvalid
		}

		entries := make([]auditledger.Entry, len(records))
		for i, r := range records {
			if err := json.Unmarshal(r, &entries[i]); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		if err := checkpoint.Check(claims, entries); err != nil {
			color.New(color.FgRed, color.Bold).Fprintf(cmd.OutOrStdout(), "✗ %v\n", err)
			return err
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(),
			"✓ checkpoint holds: %s has kept its first %d entries (root %s)\n",
			claims.Scope, claims.Length, claims.Root)
		return nil
	},
}

func init() {
	checkpointCheckCmd.Flags().StringVar(&checkpointSecret, "secret", "", "checkpoint signing secret (or GOVCTL_CHECKPOINT_SECRET)")
	checkpointCheckCmd.Flags().StringVar(&checkpointIssuer, "issuer", "govledger", "expected checkpoint issuer")
	checkpointCmd.AddCommand(checkpointCheckCmd)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
