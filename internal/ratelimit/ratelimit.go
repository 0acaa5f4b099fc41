// Package ratelimit implements C7's per-IP and per-session rate limiting:
// a fixed-window counter for sustained-rate enforcement plus a token
// bucket for burst control, with a whitelist bypass and Prometheus-style
// response headers (spec §4.7). Windows are aligned to multiples of
// Config.WindowSize; the counter is not a sliding window.
//
// Grounded on the teacher's internal/adapter/redis_writer.go, which writes
// through a small Redis-operation interface so tests can inject a fake
// client instead of a live Redis instance. Only that interface seam is
// carried over: there is no ingestion channel or flusher goroutine here.
// Allow calls INCR on the current window's key and, on the window's first
// hit, a separate EXPIRE; the two calls are not atomic.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rubin-infernode/node/internal/clockutil"
	"github.com/rubin-infernode/node/internal/errs"
)

// RedisClient abstracts the Redis operations this package needs. Satisfied
// by *redis.Client in production and a fake in tests, same seam as the
// teacher's adapter.RedisClient.
type RedisClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Config tunes one Limiter.
type Config struct {
	WindowSize   time.Duration // fixed window duration, e.g. 1 minute
	WindowLimit  int64         // max requests per window
	BurstSize    int64         // token bucket capacity
	RefillPerSec float64       // token bucket refill rate
}

// DefaultConfig is a reasonable per-session default: 120 req/min sustained,
// bursts of up to 20 refilling at 2/sec.
func DefaultConfig() Config {
	return Config{WindowSize: time.Minute, WindowLimit: 120, BurstSize: 20, RefillPerSec: 2}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter enforces a fixed-window counter (via Redis, shared across
// process instances) plus an in-process token bucket (for low-latency
// burst control) per key. Keys on the whitelist bypass all limits.
type Limiter struct {
	cfg       Config
	client    RedisClient
	clock     clockutil.Clock
	whitelist map[string]struct{}

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New constructs a Limiter. client may be nil to disable the window-counter
// check and rely on the token bucket alone (used in tests and for
// single-instance deployments without Redis).
func New(cfg Config, client RedisClient, clock clockutil.Clock, whitelist []string) *Limiter {
	if clock == nil {
		clock = clockutil.System{}
	}
	wl := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		wl[w] = struct{}{}
	}
	return &Limiter{cfg: cfg, client: client, clock: clock, whitelist: wl, buckets: make(map[string]*bucket)}
}

// Decision reports the outcome of a rate-limit check along with the
// Prometheus-style headers (spec §4.7) a caller should attach to its
// response.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetSecs int64
}

// Headers renders Decision as the conventional X-RateLimit-* header set.
func (d Decision) Headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(d.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(d.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetSecs, 10),
	}
}

// Allow checks whether key (an IP or session ID) may proceed. Whitelisted
// keys always pass with an unlimited Decision.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if _, ok := l.whitelist[key]; ok {
		return Decision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	if !l.takeToken(key) {
		return Decision{Allowed: false, Limit: l.cfg.BurstSize, Remaining: 0,
			ResetSecs: int64(1 / l.cfg.RefillPerSec)}, nil
	}

	if l.client == nil {
		return Decision{Allowed: true, Limit: l.cfg.WindowLimit, Remaining: l.cfg.WindowLimit}, nil
	}

	count, err := l.client.Incr(ctx, windowKey(key, l.clock.Now(), l.cfg.WindowSize))
	if err != nil {
		return Decision{}, errs.Wrap(errs.KindRateLimited, "ratelimit.Allow", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, windowKey(key, l.clock.Now(), l.cfg.WindowSize), l.cfg.WindowSize); err != nil {
			return Decision{}, errs.Wrap(errs.KindRateLimited, "ratelimit.Allow", err)
		}
	}

	remaining := l.cfg.WindowLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.cfg.WindowLimit,
		Limit:     l.cfg.WindowLimit,
		Remaining: remaining,
		ResetSecs: int64(l.cfg.WindowSize.Seconds()),
	}, nil
}

// takeToken applies the in-process token bucket, refilling based on
// elapsed time since the bucket's last touch.
func (l *Limiter) takeToken(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * l.cfg.RefillPerSec
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func windowKey(key string, now time.Time, window time.Duration) string {
	bucketIndex := now.Unix() / int64(window.Seconds())
	return fmt.Sprintf("ratelimit:%s:%d", key, bucketIndex)
}
