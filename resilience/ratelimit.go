package resilience

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures a provider's request rate.
type RateLimiterConfig struct {
	// Rate is the sustained number of calls per second.
	// Default: 100
	Rate float64

	// Burst is how many calls may start back to back.
	// Default: 10
	Burst int
}

// RateLimiter is a token bucket gating calls to one provider.
type RateLimiter struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter with a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	return &RateLimiter{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
	}
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available or ctx is done. n is capped at
// Burst so the wait always terminates. A wait that cannot finish before
// ctx's deadline fails at once with context.DeadlineExceeded.
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	err := rl.limiter.WaitN(ctx, min(n, rl.config.Burst))
	if err == nil || ctx.Err() != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// Execute waits for a token and runs op.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := rl.Wait(ctx); err != nil {
		return err
	}
	return op(ctx)
}

// Tokens returns the number of tokens currently available.
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.Tokens()
}
