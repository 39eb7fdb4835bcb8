package auditledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// GenesisPrevHash is the prevHash of the first entry of every chain.
const GenesisPrevHash = "GENESIS"

// Entry is a single immutable record in an audit chain.
type Entry struct {
	Index     int64          `json:"index"`
	Timestamp int64          `json:"timestamp"` // milliseconds since the Unix epoch
	AgentID   string         `json:"agentId"`
	Action    string         `json:"action"` // e.g. DECISION_LOGGED, TOOL_CALL_BLOCKED
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// UnmarshalJSON decodes an entry while keeping numbers inside Data as
// json.Number, so re-encoding an exported entry reproduces its hash exactly.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var wire struct {
		Index     int64           `json:"index"`
		Timestamp int64           `json:"timestamp"`
		AgentID   string          `json:"agentId"`
		Action    string          `json:"action"`
		Data      json.RawMessage `json:"data"`
		PrevHash  string          `json:"prevHash"`
		Hash      string          `json:"hash"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	data, err := decodeData(wire.Data)
	if err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	*e = Entry{
		Index:     wire.Index,
		Timestamp: wire.Timestamp,
		AgentID:   wire.AgentID,
		Action:    wire.Action,
		Data:      data,
		PrevHash:  wire.PrevHash,
		Hash:      wire.Hash,
	}
	return nil
}

// Canonical returns the deterministic byte encoding of every field of e
// except Hash. Keys appear in the fixed order
// index, timestamp, agentId, action, data, prevHash; object keys inside data
// are sorted at every depth and HTML characters are not escaped.
func Canonical(e *Entry) ([]byte, error) {
	data, err := canonicalData(e.Data)
	if err != nil {
		return nil, fmt.Errorf("canonicalise data: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"index":`)
	buf.WriteString(strconv.FormatInt(e.Index, 10))
	buf.WriteString(`,"timestamp":`)
	buf.WriteString(strconv.FormatInt(e.Timestamp, 10))
	buf.WriteString(`,"agentId":`)
	if err := writeJSON(&buf, e.AgentID); err != nil {
		return nil, err
	}
	buf.WriteString(`,"action":`)
	if err := writeJSON(&buf, e.Action); err != nil {
		return nil, err
	}
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteString(`,"prevHash":`)
	if err := writeJSON(&buf, e.PrevHash); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ComputeHash returns d's digest of the canonical encoding of e.
func ComputeHash(e *Entry, d Digest) (string, error) {
	b, err := Canonical(e)
	if err != nil {
		return "", err
	}
	return d.Sum(b), nil
}

// canonicalData encodes a payload with sorted keys and verbatim numbers.
// A nil payload encodes as an empty object.
func canonicalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	normalised, err := normaliseData(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeJSON(&buf, normalised); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normaliseData round-trips an arbitrary payload through JSON so that it only
// contains maps, slices, strings, bools, nil and json.Number. The result no
// longer aliases any caller-owned value.
func normaliseData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return decodeData(raw)
}

// decodeData decodes a JSON object payload, treating null or absent as empty.
func decodeData(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// writeJSON appends the compact JSON encoding of v without HTML escaping.
func writeJSON(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder always terminates with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
