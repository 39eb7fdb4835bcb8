// Package client is the Go SDK for the govledger HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseBytes bounds every response body the client reads.
const maxResponseBytes = 32 << 20

// Entry is one record of an audit chain.
type Entry struct {
	Index     int64          `json:"index"`
	Timestamp int64          `json:"timestamp"`
	AgentID   string         `json:"agentId"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// VerificationResult is the outcome of verifying a chain.
type VerificationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
	Length int      `json:"length"`
}

// Page is one slice of a chain returned by Export.
type Page struct {
	Scope   string  `json:"scope"`
	Entries []Entry `json:"entries"`
	Next    *int64  `json:"next,omitempty"` // nil on the last page
}

// Overview is the current head of a chain.
type Overview struct {
	Scope  string `json:"scope"`
	Length int64  `json:"length"`
	Root   string `json:"root"`
}

// Checkpoint is a signed statement of a chain head.
type Checkpoint struct {
	Scope  string `json:"scope"`
	Length int64  `json:"length"`
	Root   string `json:"root"`
	Token  string `json:"token"`
}

// Client talks to a govledger server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout. It is applied to a copy of the
// http.Client, so a client passed to WithHTTPClient is not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

// New creates a Client for the server at baseURL, e.g. "http://localhost:8080".
//
//	c, err := client.New("http://localhost:8080", client.WithTimeout(5*time.Second))
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append adds an entry to the chain for scope and returns it as stored.
func (c *Client) Append(ctx context.Context, scope, agentID, action string, data map[string]any) (*Entry, error) {
	body := map[string]any{"agentId": agentID, "action": action, "data": data}
	var e Entry
	if err := c.doJSON(ctx, http.MethodPost, scopePath(scope, "entries"), body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get returns the entry at index in scope.
func (c *Client) Get(ctx context.Context, scope string, index int64) (*Entry, error) {
	var e Entry
	if err := c.doJSON(ctx, http.MethodGet, scopePath(scope, "entries", strconv.FormatInt(index, 10)), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Verify asks the server to verify records, which are entries as exported.
// digest selects a non-default hash algorithm; pass "" for the server's own.
// An empty or malformed record set yields an invalid result, not an error.
func (c *Client) Verify(ctx context.Context, records []json.RawMessage, digest string) (*VerificationResult, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	path := "/api/v1/ledger/verify"
	if digest != "" {
		path += "?digest=" + url.QueryEscape(digest)
	}

	status, body, err := c.doStatusBody(ctx, http.MethodPost, path, map[string]any{"records": records})
	if err != nil {
		return nil, err
	}

	var res VerificationResult
	switch status {
	case http.StatusOK:
	case http.StatusBadRequest:
		// The server explains rejected input as a failed verification.
		if decode(body, &res) == nil && len(res.Errors) > 0 {
			return &res, nil
		}
		return nil, newAPIError(status, body)
	default:
		return nil, newAPIError(status, body)
	}
	if err := decode(body, &res); err != nil {
		return nil, fmt.Errorf("decode verification result: %w", err)
	}
	return &res, nil
}

// VerifyScope asks the server to verify the chain it stores for scope.
func (c *Client) VerifyScope(ctx context.Context, scope string) (*VerificationResult, error) {
	var res VerificationResult
	if err := c.doJSON(ctx, http.MethodGet, scopePath(scope, "verify"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Export returns up to limit entries of scope starting at index from.
func (c *Client) Export(ctx context.Context, scope string, from int64, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var p Page
	if err := c.doJSON(ctx, http.MethodGet, scopePath(scope, "entries")+"?"+q.Encode(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ExportAll pages through the whole chain for scope.
func (c *Client) ExportAll(ctx context.Context, scope string) ([]Entry, error) {
	var all []Entry
	from := int64(0)
	for {
		p, err := c.Export(ctx, scope, from, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Entries...)
		if p.Next == nil || *p.Next <= from {
			return all, nil
		}
		from = *p.Next
	}
}

// Overview returns the length and root hash of the chain for scope.
func (c *Client) Overview(ctx context.Context, scope string) (*Overview, error) {
	var o Overview
	if err := c.doJSON(ctx, http.MethodGet, scopePath(scope), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Checkpoint fetches a signed checkpoint token for the chain head of scope.
func (c *Client) Checkpoint(ctx context.Context, scope string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := c.doJSON(ctx, http.MethodGet, scopePath(scope, "checkpoint"), nil, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Scopes lists every scope that holds at least one entry.
func (c *Client) Scopes(ctx context.Context) ([]string, error) {
	var wrapper struct {
		Scopes []string `json:"scopes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/scopes", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Scopes, nil
}

// doJSON sends body as JSON and decodes a 2xx response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	status, respBody, err := c.doStatusBody(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return newAPIError(status, respBody)
	}
	if out == nil {
		return nil
	}
	if err := decode(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body, error)
// without failing on 4xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// decode unmarshals b keeping numbers in entry data as json.Number, so
// entries hash the same after a round trip.
func decode(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(out)
}

func scopePath(scope string, parts ...string) string {
	p := "/api/v1/ledger/" + url.PathEscape(scope)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}
