// Package accessguard protects the download and clip-creation surfaces:
// a brute-force blocker for short clip-ID lookups, per-bucket rate
// limits, and constant-time access-code verification.
package accessguard

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/ratelimit"
)

const shortIDThreshold = 6

// ShortIDBlockerConfig controls the per-IP 404 brute-force blocker for
// short (quick-share) clip-ID lookups.
type ShortIDBlockerConfig struct {
	MaxFailures   int           // failures before block, default 20
	BlockDuration time.Duration // default 5 minutes
	FailureWindow time.Duration // default 5 minutes
}

func DefaultShortIDBlockerConfig() ShortIDBlockerConfig {
	return ShortIDBlockerConfig{MaxFailures: 20, BlockDuration: 5 * time.Minute, FailureWindow: 5 * time.Minute}
}

// Guard bundles the short-ID blocker with per-bucket download/creation/
// admin rate limiters.
type Guard struct {
	shortIDBlocker *ratelimit.AccountLockout
	downloads      ratelimit.Limiter
	creations      ratelimit.Limiter
	admin          ratelimit.Limiter
}

// New builds a Guard. downloads/creations/admin are typically produced by
// ratelimit.NewLimiter so the backend (memory or Redis) is selected
// uniformly with the rest of the service.
func New(downloads, creations, admin ratelimit.Limiter, shortIDCfg ShortIDBlockerConfig) *Guard {
	lockoutCfg := ratelimit.LockoutConfig{
		MaxFailures:     shortIDCfg.MaxFailures,
		LockoutDuration: shortIDCfg.BlockDuration,
		FailureWindow:   shortIDCfg.FailureWindow,
	}
	return &Guard{
		shortIDBlocker: ratelimit.NewAccountLockout(lockoutCfg, "shortid"),
		downloads:      downloads,
		creations:      creations,
		admin:          admin,
	}
}

// Stop releases background cleanup goroutines held by every limiter.
func (g *Guard) Stop() {
	g.shortIDBlocker.Stop()
	g.downloads.Stop()
	g.creations.Stop()
	g.admin.Stop()
}

// CheckShortIDLookup returns TOO_MANY_REQUESTS if ip is currently blocked
// for short-ID brute forcing. It must be called before any MetadataStore
// touch, so a blocked caller never reaches the database.
func (g *Guard) CheckShortIDLookup(ip string) error {
	result := g.shortIDBlocker.Check(ip)
	if result.Locked {
		return qopyerr.New(qopyerr.KindRate, "TOO_MANY_REQUESTS").WithHint("try again later")
	}
	return nil
}

// RecordLookupResult updates the short-ID blocker after a lookup: a miss
// on a short clip id counts as a failure; a hit or a long-form id resets
// the counter for that IP.
func (g *Guard) RecordLookupResult(ip, clipID string, found bool) {
	if len(clipID) > shortIDThreshold {
		return
	}
	if found {
		g.shortIDBlocker.RecordSuccess(ip)
		return
	}
	g.shortIDBlocker.RecordFailure(ip)
}

// CheckDownloadRate enforces the per-IP download rate bucket.
func (g *Guard) CheckDownloadRate(ip string) error {
	return checkLimiter(g.downloads, ip)
}

// CheckCreationRate enforces the per-IP clip-creation rate bucket.
func (g *Guard) CheckCreationRate(ip string) error {
	return checkLimiter(g.creations, ip)
}

// CheckAdminRate enforces the admin-endpoint rate bucket, keyed
// separately from the public buckets.
func (g *Guard) CheckAdminRate(ip string) error {
	return checkLimiter(g.admin, ip)
}

func checkLimiter(l ratelimit.Limiter, key string) error {
	allowed, remaining, resetAt, err := l.Check(key)
	if err != nil {
		return nil // fail open, matching the limiter's own degraded-mode policy
	}
	if !allowed {
		info := ratelimit.RateLimitInfo{
			Limit:     l.GetConfig().MaxRequests,
			Remaining: remaining,
			ResetAt:   resetAt,
			Allowed:   false,
		}
		return qopyerr.New(qopyerr.KindRate, "TOO_MANY_REQUESTS").WithRateLimit(info)
	}
	return nil
}

// LimiterStat reports the in-memory tracking-table size for one rate
// bucket, for operator visibility via the admin stats endpoint.
type LimiterStat struct {
	Name    string
	Entries int
}

// LimiterStats returns a tracking-table size for every memory-backed
// limiter the Guard holds. Redis-backed limiters are skipped: their state
// lives outside this process and isn't meaningful per-instance.
func (g *Guard) LimiterStats() []LimiterStat {
	var stats []LimiterStat
	for _, l := range []ratelimit.Limiter{g.downloads, g.creations, g.admin} {
		ml, ok := l.(*ratelimit.MemoryLimiter)
		if !ok {
			continue
		}
		name := ml.GetPrefix()
		if name == "" {
			name = "unprefixed"
		}
		stats = append(stats, LimiterStat{Name: name, Entries: ml.GetEntryCount()})
	}
	return stats
}

// HashAccessCode returns the hex SHA-256 digest stored as
// clips.access_code_hash.
func HashAccessCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// VerifyAccessCode compares code against storedHash in constant time.
// The access code itself is never logged by any caller of this function.
func VerifyAccessCode(code, storedHash string) bool {
	computed := HashAccessCode(code)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// ExtractIP pulls the client IP from a request whose RemoteAddr has
// already been normalized by an upstream RealIP-style middleware.
func ExtractIP(r *http.Request) string {
	return ratelimit.ExtractIP(r)
}
