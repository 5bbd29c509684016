package rate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited marks any limiter rejection regardless of which
	// rule tripped.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures so callers can tell
	// policy rejections from infrastructure outages.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// LimitExceededError carries the remaining window so HTTP handlers can
// surface a Retry-After hint. It unwraps to ErrRateLimited.
type LimitExceededError struct {
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *LimitExceededError) Unwrap() error { return ErrRateLimited }
