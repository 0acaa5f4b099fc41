package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rubin-infernode/node/internal/clockutil"
)

type fakeRedis struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeRedis() *fakeRedis { return &fakeRedis{counts: make(map[string]int64)} }

func (f *fakeRedis) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func TestTokenBucketBlocksBurstsAboveCapacity(t *testing.T) {
	clock := clockutil.NewFake(time.Unix(0, 0))
	cfg := Config{WindowSize: time.Minute, WindowLimit: 1000, BurstSize: 3, RefillPerSec: 1}
	l := New(cfg, nil, clock, nil)

	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), "ip:1.2.3.4")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed within burst capacity", i)
		}
	}
	d, err := l.Allow(context.Background(), "ip:1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("4th request should be blocked, bucket exhausted")
	}
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	clock := clockutil.NewFake(time.Unix(0, 0))
	cfg := Config{WindowSize: time.Minute, WindowLimit: 1000, BurstSize: 1, RefillPerSec: 1}
	l := New(cfg, nil, clock, nil)

	d, _ := l.Allow(context.Background(), "k")
	if !d.Allowed {
		t.Fatalf("first request should be allowed")
	}
	d, _ = l.Allow(context.Background(), "k")
	if d.Allowed {
		t.Fatalf("second request should be blocked immediately")
	}

	clock.Advance(2 * time.Second)
	d, _ = l.Allow(context.Background(), "k")
	if !d.Allowed {
		t.Fatalf("request after refill window should be allowed")
	}
}

func TestWhitelistBypassesAllLimits(t *testing.T) {
	clock := clockutil.NewFake(time.Unix(0, 0))
	cfg := Config{WindowSize: time.Minute, WindowLimit: 1, BurstSize: 1, RefillPerSec: 0}
	l := New(cfg, nil, clock, []string{"ip:10.0.0.1"})

	for i := 0; i < 5; i++ {
		d, err := l.Allow(context.Background(), "ip:10.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("whitelisted key must never be blocked (iteration %d)", i)
		}
	}
}

func TestSlidingWindowEnforcesLimitViaRedis(t *testing.T) {
	clock := clockutil.NewFake(time.Unix(0, 0))
	cfg := Config{WindowSize: time.Minute, WindowLimit: 2, BurstSize: 100, RefillPerSec: 100}
	redis := newFakeRedis()
	l := New(cfg, redis, clock, nil)

	for i := 0; i < 2; i++ {
		d, err := l.Allow(context.Background(), "sess:abc")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d within window limit should be allowed", i)
		}
	}
	d, err := l.Allow(context.Background(), "sess:abc")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("3rd request should exceed window limit of 2")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining should clamp at 0, got %d", d.Remaining)
	}
}

func TestDecisionHeaders(t *testing.T) {
	d := Decision{Allowed: true, Limit: 10, Remaining: 3, ResetSecs: 60}
	h := d.Headers()
	if h["X-RateLimit-Limit"] != "10" || h["X-RateLimit-Remaining"] != "3" || h["X-RateLimit-Reset"] != "60" {
		t.Fatalf("unexpected headers: %+v", h)
	}
}
