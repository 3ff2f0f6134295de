package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	ratelib "golang.org/x/time/rate"
)

// Store names accepted by the RequestRateLimiter filter.
const (
	StoreLocal = "local"
	StoreRedis = "redis"
)

// Decision is the outcome of a single rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter checks whether a request identified by key may proceed.
// rate is the sustained number of requests per second and burst the
// number of requests that may be admitted at once.
type Limiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (Decision, error)
}

// DefaultIdleTTL is how long an unused local bucket is kept.
const DefaultIdleTTL = 10 * time.Minute

// LocalLimiter keeps one token bucket per key in process memory. Buckets
// that have been idle for the TTL and are full again are swept, so a stream
// of distinct keys cannot grow the map without bound.
type LocalLimiter struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *ratelib.Limiter
	lastSeen atomic.Int64
}

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithIdleTTL sets how long an unused bucket is kept. Non-positive values
// keep the default.
func WithIdleTTL(ttl time.Duration) LocalOption {
	return func(l *LocalLimiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

// NewLocalLimiter creates an empty in-memory limiter.
func NewLocalLimiter(opts ...LocalOption) *LocalLimiter {
	l := &LocalLimiter{
		buckets: make(map[string]*bucket),
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Allow takes one token from the bucket for key. Bucket settings follow the
// latest rate and burst so a route reload takes effect immediately.
func (l *LocalLimiter) Allow(_ context.Context, key string, rate float64, burst int) (Decision, error) {
	now := l.now()
	b := l.get(key, rate, burst, now)
	b.lastSeen.Store(now.UnixNano())
	lim := b.limiter

	if lim.Limit() != ratelib.Limit(rate) {
		lim.SetLimitAt(now, ratelib.Limit(rate))
	}
	if lim.Burst() != burst {
		lim.SetBurstAt(now, burst)
	}

	if lim.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(math.Max(0, lim.TokensAt(now)))}, nil
	}

	wait := time.Second
	if rate > 0 {
		wait = time.Duration(float64(time.Second) / rate)
	}
	return Decision{RetryAfter: wait}, nil
}

func (l *LocalLimiter) get(key string, rate float64, burst int, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweepLocked(now)
	}
	b = &bucket{limiter: ratelib.NewLimiter(ratelib.Limit(rate), burst)}
	b.lastSeen.Store(now.UnixNano())
	l.buckets[key] = b
	return b
}

// Sweep drops buckets idle for longer than the TTL whose tokens have fully
// refilled. Dropping such a bucket is indistinguishable from keeping it.
func (l *LocalLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *LocalLimiter) sweepLocked(now time.Time) int {
	l.lastSweep = now
	cutoff := now.Add(-l.idleTTL).UnixNano()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Load() > cutoff {
			continue
		}
		if b.limiter.TokensAt(now) < float64(b.limiter.Burst()) {
			continue
		}
		delete(l.buckets, key)
		removed++
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Reset drops every bucket.
func (l *LocalLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

// Stores selects a limiter by the store name configured on a route.
type Stores struct {
	local *LocalLimiter
	redis Limiter
}

// NewStores builds the store set. redis may be nil, in which case routes
// asking for the redis store fall back to the local limiter.
func NewStores(local *LocalLimiter, redis Limiter) *Stores {
	if local == nil {
		local = NewLocalLimiter()
	}
	return &Stores{local: local, redis: redis}
}

// For returns the limiter for the given store name.
func (s *Stores) For(store string) Limiter {
	if store == StoreRedis && s.redis != nil {
		return s.redis
	}
	return s.local
}
