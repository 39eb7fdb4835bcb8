// Package alerts delivers signed webhook notifications for ledger events
// such as a failed integrity check or a blocked tool call.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types.
const (
	EventIntegrityFailed = "ledger.integrity_failed"
	EventToolCallBlocked = "governance.tool_call_blocked"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Govledger-Signature"
	HeaderDelivery  = "X-Govledger-Delivery"
	HeaderEvent     = "X-Govledger-Event"
)

// Event is the JSON body POSTed to every target.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier posts events to a fixed list of webhook URLs.
type Notifier struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	wg sync.WaitGroup
}

// NewNotifier creates a Notifier. An empty secret sends unsigned requests.
func NewNotifier(urls []string, secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		urls:       urls,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// SetRetryDelays replaces the delay before each attempt. The first value is
// the delay before the first attempt; the length is the number of attempts.
func (n *Notifier) SetRetryDelays(delays []time.Duration) {
	if len(delays) > 0 {
		n.delays = delays
	}
}

// Enabled reports whether any target is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.urls) > 0 }

// Dispatch fans eventType out to every target in the background.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if !n.Enabled() {
		return
	}
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("alerts: marshal event", zap.Error(err))
		return
	}

	// Deliveries outlive the request that triggered them.
	ctx = context.WithoutCancel(ctx)
	for _, url := range n.urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(ctx, url, event, body)
		}(url)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) deliver(ctx context.Context, url string, event Event, body []byte) {
	for attempt, delay := range n.delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		success, errMsg := n.doDelivery(ctx, url, event, body)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			return
		}

		n.logger.Warn("alerts: delivery failed",
			zap.String("url", url),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
	n.logger.Error("alerts: giving up on delivery",
		zap.String("url", url),
		zap.String("delivery_id", event.ID),
	)
}

func (n *Notifier) doDelivery(ctx context.Context, url string, event Event, body []byte) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderEvent, event.Type)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, n.secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the HMAC-SHA256 signature receivers use to authenticate a body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
