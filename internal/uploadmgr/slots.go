package uploadmgr

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlotCounter bounds the number of concurrently in-flight uploads,
// independent of per-IP rate limiting. Acquire returns false (not an
// error) when the cap is reached; the Manager then fails the request with
// TOO_MANY_CONCURRENT_UPLOADS, a rate-kind error that HTTPSurface maps to 429.
type SlotCounter interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// MemorySlotCounter is a single-process semaphore, sufficient for a
// single-node deployment.
type MemorySlotCounter struct {
	sem chan struct{}
}

// NewMemorySlotCounter creates a counter allowing up to max concurrent
// uploads.
func NewMemorySlotCounter(max int) *MemorySlotCounter {
	return &MemorySlotCounter{sem: make(chan struct{}, max)}
}

func (c *MemorySlotCounter) Acquire(ctx context.Context) (func(), bool, error) {
	select {
	case c.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-c.sem }) }, true, nil
	default:
		return func() {}, false, nil
	}
}

// RedisSlotCounter shares the concurrent-upload cap across every node in
// a multi-node deployment using a capped counter key with a safety TTL,
// so a crashed node's slot is reclaimed even if it never decrements.
type RedisSlotCounter struct {
	client *redis.Client
	key    string
	max    int
	ttl    time.Duration
}

// NewRedisSlotCounter creates a Redis-backed slot counter under key,
// capped at max concurrent holders. ttl bounds how long a held slot
// survives a crash that skips the release call.
func NewRedisSlotCounter(client *redis.Client, key string, max int, ttl time.Duration) *RedisSlotCounter {
	return &RedisSlotCounter{client: client, key: key, max: max, ttl: ttl}
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current >= max then
    return 0
end
redis.call('INCR', key)
redis.call('EXPIRE', key, ttl)
return 1
`)

func (c *RedisSlotCounter) Acquire(ctx context.Context) (func(), bool, error) {
	res, err := acquireScript.Run(ctx, c.client, []string{c.key}, c.max, int(c.ttl.Seconds())).Int()
	if err != nil {
		// Fail open: an unavailable Redis must not block uploads entirely.
		return func() {}, true, nil
	}
	if res == 0 {
		return func() {}, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.client.Decr(context.Background(), c.key)
		})
	}
	return release, true, nil
}
