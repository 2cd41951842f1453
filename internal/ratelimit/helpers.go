// Package ratelimit provides per-key rate limiting and lockout implementations.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// ExtractIP extracts the client IP address from an HTTP request.
//
// SECURITY FIX (S1-H4): Uses r.RemoteAddr directly instead of reading
// X-Forwarded-For/X-Real-IP headers. Chi's middleware.RealIP (applied
// globally in main.go) already overwrites r.RemoteAddr with the correct
// client IP from trusted proxy headers. Reading headers directly here
// would allow IP spoofing to bypass rate limits.
func ExtractIP(r *http.Request) string {
	// RemoteAddr is already set by Chi's RealIP middleware from trusted proxy headers.
	// Strip the port component if present.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

// AddRateLimitHeaders adds rate limit headers to an HTTP response.
// Headers added:
// - X-RateLimit-Limit: Maximum requests allowed in the window
// - X-RateLimit-Remaining: Requests remaining in the current window
// - X-RateLimit-Reset: Unix timestamp when the window resets
func AddRateLimitHeaders(w http.ResponseWriter, info RateLimitInfo) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
}

// FormatResetTime formats the reset time for human-readable display.
// Returns a string like "14 minutes" or "30 seconds".
func FormatResetTime(resetAt time.Time) string {
	duration := time.Until(resetAt)
	if duration < time.Minute {
		return strconv.Itoa(int(duration.Seconds())) + " seconds"
	}
	return strconv.Itoa(int(duration.Minutes())) + " minutes"
}
