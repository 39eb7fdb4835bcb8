package alerts_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/govledger/internal/alerts"
	"go.uber.org/zap"
)

func TestNotifier_deliversSignedEvent(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := alerts.NewNotifier([]string{srv.URL}, "s3cret", zap.NewNop())
	n.Dispatch(context.Background(), alerts.EventIntegrityFailed, map[string]string{"scope": "org-1"})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got, want := headers.Get(alerts.HeaderSignature), alerts.Sign(body, "s3cret"); got != want {
		t.Errorf("signature: got %q, want %q", got, want)
	}
	if headers.Get(alerts.HeaderEvent) != alerts.EventIntegrityFailed {
		t.Errorf("event header: %q", headers.Get(alerts.HeaderEvent))
	}

	var ev alerts.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" || ev.ID != headers.Get(alerts.HeaderDelivery) {
		t.Errorf("delivery id mismatch: body %q header %q", ev.ID, headers.Get(alerts.HeaderDelivery))
	}
	if ev.Payload["scope"] != "org-1" {
		t.Errorf("payload: %v", ev.Payload)
	}
}

func TestNotifier_retriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var outcomes []bool
	var mu sync.Mutex
	n := alerts.NewNotifier([]string{srv.URL}, "", zap.NewNop())
	n.SetRetryDelays([]time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond})
	n.SetMetricsRecorder(func(ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	})

	n.Dispatch(context.Background(), alerts.EventToolCallBlocked, nil)
	n.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if len(outcomes) != 3 || outcomes[2] != true {
		t.Errorf("metrics outcomes: %v", outcomes)
	}
}

func TestNotifier_unsignedWithoutSecret(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(alerts.HeaderSignature))
	}))
	defer srv.Close()

	n := alerts.NewNotifier([]string{srv.URL}, "", zap.NewNop())
	n.Dispatch(context.Background(), alerts.EventToolCallBlocked, nil)
	n.Wait()

	if got, _ := sig.Load().(string); got != "" {
		t.Errorf("expected no signature header, got %q", got)
	}
}

func TestNotifier_disabled(t *testing.T) {
	n := alerts.NewNotifier(nil, "", zap.NewNop())
	if n.Enabled() {
		t.Error("notifier without targets should be disabled")
	}
	n.Dispatch(context.Background(), alerts.EventIntegrityFailed, nil)
	n.Wait()

	var nilNotifier *alerts.Notifier
	if nilNotifier.Enabled() {
		t.Error("nil notifier should be disabled")
	}
}

func TestNotifier_cancelledRequestContextStillDelivers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n := alerts.NewNotifier([]string{srv.URL}, "", zap.NewNop())
	n.Dispatch(ctx, alerts.EventIntegrityFailed, nil)
	cancel()
	n.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected delivery despite cancelled context, got %d calls", calls.Load())
	}
}
