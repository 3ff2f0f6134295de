package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements a fixed window counter shared by every gateway
// instance pointing at the same Redis. A window admits burst requests and
// lasts burst/rate seconds, which keeps the sustained rate at rate.
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithKeyPrefix sets the prefix of every counter key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) {
		l.keyPrefix = prefix
	}
}

// WithClock overrides the time source used to pick windows.
func WithClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) {
		l.now = now
	}
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client:    client,
		keyPrefix: "routegate:ratelimit:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow increments the counter of the current window. Redis errors are
// returned together with an allowing decision so callers fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string, rate float64, burst int) (Decision, error) {
	window := windowSize(rate, burst)
	now := l.now()
	index := now.UnixNano() / int64(window)
	windowKey := l.keyPrefix + key + ":" + strconv.FormatInt(index, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.PExpire(ctx, windowKey, window)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("rate limit counter %s: %w", windowKey, err)
	}

	count := incr.Val()
	if count <= int64(burst) {
		return Decision{Allowed: true, Remaining: burst - int(count)}, nil
	}

	end := time.Unix(0, (index+1)*int64(window))
	return Decision{RetryAfter: end.Sub(now)}, nil
}

func windowSize(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	w := time.Duration(float64(burst) / rate * float64(time.Second))
	if w < time.Millisecond {
		w = time.Millisecond
	}
	return w
}
