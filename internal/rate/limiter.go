// Package rate provides Redis-backed fixed-window counters for the
// verification flows. Each limiter owns one key prefix and one rule;
// domain policy (which requests consume a permit) stays with callers.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a fixed-window budget: at most Attempts permits per Window.
type Rule struct {
	Attempts int
	Window   time.Duration
}

// Limiter enforces one Rule per key under a shared prefix using Redis
// counters.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	rule   Rule
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string, rule Rule) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		rule:   rule,
	}
}

// Validate consumes one permit for the key. It returns a
// *LimitExceededError once the window budget is spent, with RetryAfter
// taken from the key's remaining TTL.
func (l *Limiter) Validate(ctx context.Context, key string) error {
	k := l.key(key)

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, k, l.rule.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if count > int64(l.rule.Attempts) {
		retryAfter, err := l.redis.PTTL(ctx, k).Result()
		if err != nil || retryAfter < 0 {
			retryAfter = l.rule.Window
		}
		return &LimitExceededError{RetryAfter: retryAfter}
	}

	return nil
}

func (l *Limiter) key(key string) string {
	return l.prefix + ":" + key
}
