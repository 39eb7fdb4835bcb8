package auditledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// VerificationResult is the outcome of a chain verification.
// Errors lists every break found, in the order detected.
type VerificationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
	Length int      `json:"length"`
}

// NoEntriesMessage is the error reported when verification receives no entries.
const NoEntriesMessage = "no entries supplied: verification requires at least one entry"

// Verify checks linkage and self-hashes of an ordered chain using d.
//
// It never stops at the first break. After checking entry i the expected
// prevHash for entry i+1 becomes entry i's claimed hash, not the recomputed
// one, so a tampered payload is reported once, at its own index.
// An empty chain is reported as invalid.
func Verify(entries []Entry, d Digest) VerificationResult {
	v := newVerifier(d)
	for i := range entries {
		v.check(i, &entries[i])
	}
	return v.result(len(entries))
}

// VerifyRecords decodes untrusted JSON records leniently and verifies them.
// A record that is not an object, or whose fields are missing or of the wrong
// type, is reported as malformed and verification continues with the next.
func VerifyRecords(records []json.RawMessage, d Digest) VerificationResult {
	v := newVerifier(d)
	for i, raw := range records {
		e, problems := decodeRecord(raw)
		if len(problems) == 0 {
			v.check(i, e)
			continue
		}
		v.fail("entry %d: malformed record: %s", i, strings.Join(problems, "; "))
		if e != nil && e.PrevHash != "" && e.PrevHash != v.expectedPrev {
			v.fail("entry %d: prevHash mismatch: expected %s, got %s", i, v.expectedPrev, e.PrevHash)
		}
		v.expectedPrev = ""
		if e != nil {
			v.expectedPrev = e.Hash
		}
	}
	return v.result(len(records))
}

type verifier struct {
	digest       Digest
	expectedPrev string
	errors       []string
}

func newVerifier(d Digest) *verifier {
	if d == nil {
		d = SHA256
	}
	return &verifier{digest: d, expectedPrev: GenesisPrevHash, errors: []string{}}
}

func (v *verifier) check(i int, e *Entry) {
	if e.PrevHash != v.expectedPrev {
		v.fail("entry %d: prevHash mismatch: expected %s, got %s", i, v.expectedPrev, e.PrevHash)
	}

	expected, err := ComputeHash(e, v.digest)
	switch {
	case err != nil:
		v.fail("entry %d: cannot encode entry: %v", i, err)
	case expected != e.Hash:
		v.fail("entry %d: hash mismatch: expected %s, got %s", i, expected, e.Hash)
	}

	v.expectedPrev = e.Hash
}

func (v *verifier) fail(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *verifier) result(n int) VerificationResult {
	if n == 0 {
		return VerificationResult{Valid: false, Errors: []string{NoEntriesMessage}, Length: 0}
	}
	return VerificationResult{Valid: len(v.errors) == 0, Errors: v.errors, Length: n}
}

// decodeRecord extracts an Entry from raw, collecting a description of every
// missing or wrong-typed field. The returned entry holds whatever could be read.
func decodeRecord(raw json.RawMessage) (*Entry, []string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, []string{"not a JSON object"}
	}

	e := &Entry{}
	var problems []string

	readInt := func(name string, dst *int64) {
		val, ok := fields[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing %q", name))
			return
		}
		val = bytes.TrimSpace(val)
		dec := json.NewDecoder(bytes.NewReader(val))
		dec.UseNumber()
		var n json.Number
		if len(val) == 0 || val[0] == '"' || dec.Decode(&n) != nil || n == "" {
			problems = append(problems, fmt.Sprintf("%q is not a number", name))
			return
		}
		i, err := n.Int64()
		if err != nil {
			problems = append(problems, fmt.Sprintf("%q is not an integer", name))
			return
		}
		*dst = i
	}
	readString := func(name string, dst *string) {
		val, ok := fields[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing %q", name))
			return
		}
		if err := json.Unmarshal(val, dst); err != nil || bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
			problems = append(problems, fmt.Sprintf("%q is not a string", name))
		}
	}

	readInt("index", &e.Index)
	readInt("timestamp", &e.Timestamp)
	readString("agentId", &e.AgentID)
	readString("action", &e.Action)
	readString("prevHash", &e.PrevHash)
	readString("hash", &e.Hash)

	if val, ok := fields["data"]; !ok {
		problems = append(problems, `missing "data"`)
	} else if data, err := decodeData(val); err != nil {
		problems = append(problems, `"data" is not an object`)
	} else {
		e.Data = data
	}

	return e, problems
}
