package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/api/handler"
	"go.uber.org/zap"
)

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RequestID(), handler.RequestLogger(zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if _, err := uuid.Parse(w.Header().Get(handler.RequestIDHeader)); err != nil {
		t.Errorf("expected generated uuid, got %q", w.Header().Get(handler.RequestIDHeader))
	}

	id := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(handler.RequestIDHeader, id)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(handler.RequestIDHeader); got != id {
		t.Errorf("incoming id not echoed: got %q, want %q", got, id)
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(handler.RequestIDHeader, "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(handler.RequestIDHeader); got == "<script>" {
		t.Error("malformed request id should be replaced")
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 2))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes[i] = w.Code
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: %v", codes)
	}
}

func TestSecurityHeadersAndBodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.SecurityHeaders(), handler.BodyLimit(8))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("0123456789abcdef")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected body to be cut at limit, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("short")))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 under the limit, got %d", w.Code)
	}
}
