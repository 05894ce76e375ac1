// Package ratelimit implements a fixed-window rate limiter keyed by
// (action, caller). A shared Redis counter backs it when configured; a local
// in-process window map serves as fallback when Redis is absent or errors.
// Development mode bypasses limiting entirely.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeup/trade-engine/internal/metrics"
)

// Result reports a limiter decision.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces at most max hits per fixed window per key.
type Limiter struct {
	rdb    *redis.Client // nil → local only
	bypass bool

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

// New creates a limiter. rdb may be nil; bypass disables all limiting
// (development mode).
func New(rdb *redis.Client, bypass bool) *Limiter {
	return &Limiter{
		rdb:     rdb,
		bypass:  bypass,
		windows: make(map[string]*window),
	}
}

// Allow records a hit for key and reports whether it stays within max per
// windowSize. On rejection, RetryAfter hints when the window resets.
func (l *Limiter) Allow(ctx context.Context, key string, max int, windowSize time.Duration) Result {
	if l.bypass {
		return Result{Allowed: true}
	}

	if l.rdb != nil {
		res, err := l.allowRedis(ctx, key, max, windowSize)
		if err == nil {
			return res
		}
		slog.Warn("rate limiter falling back to local window", "key", key, "err", err)
	}
	return l.allowLocal(key, max, windowSize)
}

func (l *Limiter) allowRedis(ctx context.Context, key string, max int, windowSize time.Duration) (Result, error) {
	rkey := "ratelimit:" + key

	count, err := l.rdb.Incr(ctx, rkey).Result()
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		// First hit of the window initializes the TTL.
		if err := l.rdb.Expire(ctx, rkey, windowSize).Err(); err != nil {
			return Result{}, err
		}
	}
	if count <= int64(max) {
		return Result{Allowed: true}, nil
	}

	ttl, err := l.rdb.TTL(ctx, rkey).Result()
	if err != nil || ttl < 0 {
		ttl = windowSize
	}
	return Result{Allowed: false, RetryAfter: ttl}, nil
}

func (l *Limiter) allowLocal(key string, max int, windowSize time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(windowSize)}
		l.windows[key] = w
	}
	w.count++
	if w.count <= max {
		return Result{Allowed: true}
	}
	return Result{Allowed: false, RetryAfter: time.Until(w.resetAt)}
}

// Middleware limits requests per authenticated caller (falling back to the
// remote address) under the given action name. Violations get 429 with a
// Retry-After hint.
func (l *Limiter) Middleware(action string, max int, windowSize time.Duration, caller func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who := caller(r)
			if who == "" {
				who = r.RemoteAddr
			}
			key := fmt.Sprintf("%s:%s", action, who)

			res := l.Allow(r.Context(), key, max, windowSize)
			if !res.Allowed {
				metrics.RateLimitRejections.WithLabelValues(action).Inc()
				retry := int(res.RetryAfter.Round(time.Second).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"message":"rate limit exceeded","retry_after_seconds":%d}`, retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
