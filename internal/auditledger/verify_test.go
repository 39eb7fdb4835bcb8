package auditledger_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jmerrifield20/govledger/internal/auditledger"
)

// buildChain appends n entries to a fresh memory ledger and exports them.
func buildChain(t *testing.T, n int) []auditledger.Entry {
	t.Helper()
	l := newLedger(t, auditledger.NewMemoryStore())
	for i := 0; i < n; i++ {
		if _, err := l.Append(ctx, "org", "agent-1", "ANALYTICS_QUERY", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := l.Export(ctx, "org")
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestVerify_empty(t *testing.T) {
	for _, entries := range [][]auditledger.Entry{nil, {}} {
		res := auditledger.Verify(entries, auditledger.SHA256)
		if res.Valid {
			t.Error("empty input must not verify")
		}
		if res.Length != 0 {
			t.Errorf("length: got %d, want 0", res.Length)
		}
		if len(res.Errors) != 1 || res.Errors[0] != auditledger.NoEntriesMessage {
			t.Errorf("errors: got %v", res.Errors)
		}
	}
}

func TestVerify_validChain(t *testing.T) {
	entries := buildChain(t, 5)
	res := auditledger.Verify(entries, auditledger.SHA256)
	if !res.Valid || len(res.Errors) != 0 || res.Length != 5 {
		t.Errorf("expected valid chain: %+v", res)
	}
	if res.Errors == nil {
		t.Error("errors should be an empty list, not nil")
	}
}

func TestVerify_singleFieldTamperReportsOnce(t *testing.T) {
	tampers := map[string]func(e *auditledger.Entry){
		"timestamp": func(e *auditledger.Entry) { e.Timestamp++ },
		"agentId":   func(e *auditledger.Entry) { e.AgentID = "mallory" },
		"action":    func(e *auditledger.Entry) { e.Action = "NOTHING_TO_SEE" },
		"data":      func(e *auditledger.Entry) { e.Data["i"] = "forged" },
		"index":     func(e *auditledger.Entry) { e.Index = 99 },
	}
	for field, tamper := range tampers {
		t.Run(field, func(t *testing.T) {
			entries := buildChain(t, 5)
			tamper(&entries[2])

			res := auditledger.Verify(entries, auditledger.SHA256)
			if res.Valid {
				t.Fatal("expected invalid")
			}
			if len(res.Errors) != 1 {
				t.Fatalf("expected exactly one error, got %v", res.Errors)
			}
			if !strings.HasPrefix(res.Errors[0], "entry 2: hash mismatch") {
				t.Errorf("unexpected error: %q", res.Errors[0])
			}
		})
	}
}

func TestVerify_forgedHashBreaksLinkOnce(t *testing.T) {
	entries := buildChain(t, 4)
	entries[1].Hash = strings.Repeat("0", 64)

	res := auditledger.Verify(entries, auditledger.SHA256)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	// Entry 1 fails its self-hash; entry 2 no longer links to the forged hash.
	if len(res.Errors) != 2 {
		t.Fatalf("expected two errors, got %v", res.Errors)
	}
	if !strings.HasPrefix(res.Errors[0], "entry 1: hash mismatch") {
		t.Errorf("first error: %q", res.Errors[0])
	}
	if !strings.HasPrefix(res.Errors[1], "entry 2: prevHash mismatch") {
		t.Errorf("second error: %q", res.Errors[1])
	}
}

func TestVerify_prevHashTamper(t *testing.T) {
	entries := buildChain(t, 3)
	entries[0].PrevHash = "not-genesis"

	res := auditledger.Verify(entries, auditledger.SHA256)
	want := []string{
		"entry 0: prevHash mismatch: expected GENESIS, got not-genesis",
	}
	if len(res.Errors) != 2 || res.Errors[0] != want[0] {
		t.Fatalf("errors: got %v", res.Errors)
	}
	if !strings.HasPrefix(res.Errors[1], "entry 0: hash mismatch") {
		t.Errorf("prevHash is hashed content, expected self-hash failure: %q", res.Errors[1])
	}
}

func TestVerify_removedEntry(t *testing.T) {
	entries := buildChain(t, 4)
	spliced := append([]auditledger.Entry{}, entries[:1]...)
	spliced = append(spliced, entries[2:]...)

	res := auditledger.Verify(spliced, auditledger.SHA256)
	if res.Valid {
		t.Fatal("removing an entry must break the chain")
	}
	if res.Length != 3 {
		t.Errorf("length: got %d, want 3", res.Length)
	}
	if !strings.HasPrefix(res.Errors[0], "entry 1: prevHash mismatch") {
		t.Errorf("unexpected error: %q", res.Errors[0])
	}
}

func TestVerify_nilDigestDefaultsToSHA256(t *testing.T) {
	entries := buildChain(t, 2)
	if res := auditledger.Verify(entries, nil); !res.Valid {
		t.Errorf("expected valid with default digest: %v", res.Errors)
	}
}

func TestVerifyRecords_roundTrip(t *testing.T) {
	entries := buildChain(t, 3)
	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatal(err)
	}

	res := auditledger.VerifyRecords(records, auditledger.SHA256)
	if !res.Valid || res.Length != 3 {
		t.Errorf("expected valid: %+v", res)
	}
}

func TestVerifyRecords_malformed(t *testing.T) {
	entries := buildChain(t, 3)
	records := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		records[i] = b
	}

	// Record 1 loses its data object but keeps its hashes, so the chain
	// still links around it.
	var fields map[string]any
	_ = json.Unmarshal(records[1], &fields)
	fields["data"] = "not an object"
	fields["index"] = "1"
	records[1], _ = json.Marshal(fields)

	res := auditledger.VerifyRecords(records, auditledger.SHA256)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if res.Length != 3 {
		t.Errorf("length: got %d, want 3", res.Length)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one error, got %v", res.Errors)
	}
	msg := res.Errors[0]
	if !strings.HasPrefix(msg, "entry 1: malformed record") ||
		!strings.Contains(msg, `"index" is not a number`) ||
		!strings.Contains(msg, `"data" is not an object`) {
		t.Errorf("unexpected error: %q", msg)
	}
}

func TestVerifyRecords_notAnObject(t *testing.T) {
	records := []json.RawMessage{json.RawMessage(`42`), json.RawMessage(`null`)}
	res := auditledger.VerifyRecords(records, auditledger.SHA256)
	if res.Valid || res.Length != 2 || len(res.Errors) != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestVerifyRecords_missingFields(t *testing.T) {
	records := []json.RawMessage{json.RawMessage(`{"index":0,"action":"X","data":{}}`)}
	res := auditledger.VerifyRecords(records, auditledger.SHA256)
	if res.Valid || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, field := range []string{"timestamp", "agentId", "prevHash", "hash"} {
		if !strings.Contains(res.Errors[0], `missing "`+field+`"`) {
			t.Errorf("expected missing %s in %q", field, res.Errors[0])
		}
	}
}
