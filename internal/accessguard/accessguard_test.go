package accessguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
	"github.com/Dropicx/qopy-sub004/internal/ratelimit"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	downloads := ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 100, WindowPeriod: time.Minute}, "dl")
	creations := ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 100, WindowPeriod: time.Minute}, "cr")
	admin := ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 100, WindowPeriod: time.Minute}, "ad")
	g := New(downloads, creations, admin, ShortIDBlockerConfig{MaxFailures: 3, BlockDuration: time.Minute, FailureWindow: time.Minute})
	t.Cleanup(g.Stop)
	return g
}

func TestVerifyAccessCode_CorrectCodeMatches(t *testing.T) {
	hash := HashAccessCode("s3cr3t")
	assert.True(t, VerifyAccessCode("s3cr3t", hash))
}

func TestVerifyAccessCode_WrongCodeFails(t *testing.T) {
	hash := HashAccessCode("s3cr3t")
	assert.False(t, VerifyAccessCode("wrong", hash))
}

func TestShortIDBlocker_BlocksAfterThreshold(t *testing.T) {
	g := newTestGuard(t)
	ip := "203.0.113.9"

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CheckShortIDLookup(ip))
		g.RecordLookupResult(ip, "AB12", false)
	}

	err := g.CheckShortIDLookup(ip)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOO_MANY_REQUESTS")
}

func TestShortIDBlocker_SuccessResetsCounter(t *testing.T) {
	g := newTestGuard(t)
	ip := "203.0.113.10"

	g.RecordLookupResult(ip, "AB12", false)
	g.RecordLookupResult(ip, "AB12", false)
	g.RecordLookupResult(ip, "CD34", true)
	g.RecordLookupResult(ip, "AB12", false)
	g.RecordLookupResult(ip, "AB12", false)

	require.NoError(t, g.CheckShortIDLookup(ip))
}

func TestShortIDBlocker_IgnoresLongIDs(t *testing.T) {
	g := newTestGuard(t)
	ip := "203.0.113.11"

	for i := 0; i < 10; i++ {
		g.RecordLookupResult(ip, "ABCDEFGHIJ", false)
	}

	require.NoError(t, g.CheckShortIDLookup(ip))
}

func TestCheckDownloadRate_ExceedingLimitCarriesRateLimitInfo(t *testing.T) {
	downloads := ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 1, WindowPeriod: time.Minute}, "dl-info")
	creations := ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 100, WindowPeriod: time.Minute}, "cr-info")
	admin := ratelimit.NewMemoryLimiterWithPrefix(ratelimit.Config{MaxRequests: 100, WindowPeriod: time.Minute}, "ad-info")
	g := New(downloads, creations, admin, DefaultShortIDBlockerConfig())
	t.Cleanup(g.Stop)

	ip := "203.0.113.20"
	require.NoError(t, g.CheckDownloadRate(ip))

	err := g.CheckDownloadRate(ip)
	require.Error(t, err)
	qerr, ok := err.(*qopyerr.Error)
	require.True(t, ok)
	require.NotNil(t, qerr.RateLimit)
	assert.Equal(t, 1, qerr.RateLimit.Limit)
	assert.Equal(t, 0, qerr.RateLimit.Remaining)
	assert.NotEmpty(t, qerr.Hint)
}

func TestLimiterStats_ReportsEntryCountsPerBucket(t *testing.T) {
	g := newTestGuard(t)
	require.NoError(t, g.CheckDownloadRate("203.0.113.21"))
	require.NoError(t, g.CheckCreationRate("203.0.113.22"))

	stats := g.LimiterStats()
	require.Len(t, stats, 3)
	byName := make(map[string]int)
	for _, s := range stats {
		byName[s.Name] = s.Entries
	}
	assert.Equal(t, 1, byName["dl"])
	assert.Equal(t, 1, byName["cr"])
	assert.Equal(t, 0, byName["ad"])
}
