package util

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to a per-minute API quota. It allows one call at a
// time with no burst, so a fetch never front-loads a minute's quota.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next call may proceed. It fails without waiting when
// ctx would end first; the error then wraps context.DeadlineExceeded.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}
