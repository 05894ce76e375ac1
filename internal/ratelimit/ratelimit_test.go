package ratelimit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tradeup/trade-engine/internal/ratelimit"
)

func TestAllow_LocalWindow(t *testing.T) {
	l := ratelimit.New(nil, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.Allow(ctx, "trade:u1", 5, time.Minute)
		if !res.Allowed {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}

	res := l.Allow(ctx, "trade:u1", 5, time.Minute)
	if res.Allowed {
		t.Fatal("hit 6 should be rejected")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("retry hint should be within the window, got %s", res.RetryAfter)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := ratelimit.New(nil, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "trade:u1", 3, time.Minute)
	}
	if l.Allow(ctx, "trade:u1", 3, time.Minute).Allowed {
		t.Error("u1 should be exhausted")
	}
	if !l.Allow(ctx, "trade:u2", 3, time.Minute).Allowed {
		t.Error("u2 should be unaffected")
	}
	if !l.Allow(ctx, "withdraw:u1", 3, time.Minute).Allowed {
		t.Error("a different action for u1 should be unaffected")
	}
}

func TestAllow_WindowResets(t *testing.T) {
	l := ratelimit.New(nil, false)
	ctx := context.Background()

	l.Allow(ctx, "k", 1, 30*time.Millisecond)
	if l.Allow(ctx, "k", 1, 30*time.Millisecond).Allowed {
		t.Fatal("second hit in the window should be rejected")
	}

	time.Sleep(40 * time.Millisecond)
	if !l.Allow(ctx, "k", 1, 30*time.Millisecond).Allowed {
		t.Error("hit after window reset should be allowed")
	}
}

func TestAllow_Bypass(t *testing.T) {
	l := ratelimit.New(nil, true)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if !l.Allow(ctx, "k", 1, time.Minute).Allowed {
			t.Fatal("bypass mode must never reject")
		}
	}
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	l := ratelimit.New(nil, false)
	handler := l.Middleware("trade", 2, time.Minute, func(r *http.Request) string {
		return r.Header.Get("X-User")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	hit := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/trades", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := hit("u1"); w.Code != http.StatusOK {
			t.Fatalf("hit %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := hit("u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
	var body struct {
		Message           string `json:"message"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Message != "rate limit exceeded" {
		t.Errorf("unexpected message: %q", body.Message)
	}
	if body.RetryAfterSeconds < 1 {
		t.Errorf("retry_after_seconds should be at least 1, got %d", body.RetryAfterSeconds)
	}

	// Another caller still gets through.
	if w := hit("u2"); w.Code != http.StatusOK {
		t.Errorf("other caller should pass, got %d", w.Code)
	}
}
