// Package middleware provides HTTP middleware for the qopy server.
package middleware

// NOTE: Rate limiting is in-memory and not shared across instances.
// In multi-instance deployments, each server maintains independent counters.
// For distributed rate limiting, use RATE_LIMIT_BACKEND=redis instead
// (see the accessguard package, which wraps the ratelimit package's
// dual-backend Limiter for the public download/creation/admin buckets).
// This middleware remains as a lightweight catch-all in front of routes
// that don't go through accessguard.

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides per-IP request rate limiting.
type RateLimiter struct {
	mu           sync.RWMutex
	requests     map[string][]time.Time // ip -> request timestamps
	maxRequests  int
	windowPeriod time.Duration
	stopCh       chan struct{}
	cleanupDone  chan struct{}
}

// NewRateLimiter creates a new rate limiter with the specified limits.
// A background cleanup goroutine prevents unbounded memory growth from
// stale IP entries; call Stop() to release it.
func NewRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string][]time.Time),
		maxRequests:  maxRequests,
		windowPeriod: windowPeriod,
		stopCh:       make(chan struct{}),
		cleanupDone:  make(chan struct{}),
	}

	go func() {
		defer close(rl.cleanupDone)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanupStale()
			case <-rl.stopCh:
				return
			}
		}
	}()

	return rl
}

// Stop signals the background cleanup goroutine to exit and waits for it.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	<-rl.cleanupDone
}

// cleanupStale removes entries with no recent requests from the rate limiter.
func (rl *RateLimiter) cleanupStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.windowPeriod)

	for ip, timestamps := range rl.requests {
		var valid []time.Time
		for _, ts := range timestamps {
			if ts.After(windowStart) {
				valid = append(valid, ts)
			}
		}
		if len(valid) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = valid
		}
	}
}

// Allow checks if a request is allowed for the given client IP.
// Returns true if allowed, false if rate limit exceeded.
// Also returns the number of seconds until the oldest request expires.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.windowPeriod)

	// Get existing requests for this IP
	timestamps := rl.requests[ip]

	// Filter out expired timestamps
	var valid []time.Time
	for _, ts := range timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}

	// Check if limit exceeded
	if len(valid) >= rl.maxRequests {
		// Calculate retry-after (seconds until oldest request expires)
		oldestInWindow := valid[0]
		retryAfter := int(oldestInWindow.Add(rl.windowPeriod).Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		// Persist cleaned timestamps to prevent stale entries from accumulating.
		// Both allowed and denied requests update the map - allowed requests add
		// a new timestamp below, denied requests just persist the cleaned list.
		rl.requests[ip] = valid
		return false, retryAfter
	}

	// Add new request timestamp and persist to map.
	// This write happens on all allowed requests, similar to denied requests above.
	valid = append(valid, now)
	rl.requests[ip] = valid

	return true, 0
}

// RateLimitMiddleware returns middleware that applies rate limiting keyed
// on client IP. It is a lightweight catch-all for routes that don't carry
// their own accessguard bucket (e.g. /metrics, /api/health).
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r)

			allowed, retryAfter := limiter.Allow(ip)
			if !allowed {
				respondTooManyRequests(w, retryAfter, "Rate limit exceeded. Try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ExtractIP returns the client IP for rate-limit keying, preferring
// X-Forwarded-For/X-Real-IP (as set by a trusted reverse proxy) and
// falling back to RemoteAddr.
func ExtractIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondTooManyRequests sends a 429 response with Retry-After header.
func respondTooManyRequests(w http.ResponseWriter, retryAfter int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":       message,
		"code":        http.StatusTooManyRequests,
		"retry_after": retryAfter,
	})
}
