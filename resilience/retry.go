package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonwraymond/infergate/fault"
)

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	// Default: 100ms
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries, jitter and Retry-After
	// hints included.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	// Default: 2.0
	Multiplier float64

	// JitterRatio spreads each delay uniformly over (1 ± JitterRatio).
	// Values are clamped to [0, 1). Zero disables jitter.
	JitterRatio float64

	// RetryIf determines if an error should trigger a retry.
	// Default: fault.Retryable
	RetryIf func(err error) bool

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry decides whether and when a failed attempt is retried.
type Retry struct {
	config RetryConfig
	rand   func() float64
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	config.JitterRatio = min(max(config.JitterRatio, 0), 0.99)
	if config.RetryIf == nil {
		config.RetryIf = fault.Retryable
	}

	// #nosec G404 -- jitter is non-cryptographic timing variance.
	return &Retry{config: config, rand: rand.Float64}
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}

// ShouldRetry reports whether a failure on the given 1-based attempt is
// followed by another attempt.
func (r *Retry) ShouldRetry(attempt int, err error) bool {
	return err != nil && attempt < r.config.MaxAttempts && r.config.RetryIf(err)
}

// Backoff returns the delay after the given failed attempt:
// min(MaxDelay, InitialDelay·Multiplier^(attempt-1)) spread by the jitter
// ratio. The result is never below prev and never above MaxDelay, so a
// sequence fed its own output is non-decreasing.
func (r *Retry) Backoff(attempt int, prev time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	base = math.Min(base, float64(r.config.MaxDelay))

	if r.config.JitterRatio > 0 {
		base *= 1 + r.config.JitterRatio*(2*r.rand()-1)
	}

	return r.clamp(time.Duration(base), prev)
}

// Next combines ShouldRetry and Backoff. A Retry-After hint carried by err
// raises the delay, still capped by MaxDelay.
func (r *Retry) Next(attempt int, err error, prev time.Duration) (time.Duration, bool) {
	if !r.ShouldRetry(attempt, err) {
		return 0, false
	}

	delay := r.Backoff(attempt, prev)

	var fe *fault.Error
	if errors.As(err, &fe) && fe.RetryAfter > delay {
		delay = r.clamp(fe.RetryAfter, prev)
	}

	if r.config.OnRetry != nil {
		r.config.OnRetry(attempt, err, delay)
	}
	return delay, true
}

// Execute runs the operation with retry logic.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	return r.ExecuteWithBreaker(ctx, nil, op)
}

// ExecuteWithBreaker runs op with retries, gating every attempt on cb.
//
// If cb rejects an attempt after at least one failure, the remaining retries
// are abandoned and the circuit-open error is returned in place of the last
// failure. A nil cb disables gating.
func (r *Retry) ExecuteWithBreaker(ctx context.Context, cb *CircuitBreaker, op func(context.Context) error) error {
	var prev time.Duration

	for attempt := 1; ; attempt++ {
		if cb != nil {
			if err := cb.Allow(); err != nil {
				return fault.WithAttempts(err, attempt-1)
			}
		}

		err := op(ctx)
		if cb != nil {
			cb.Record(err)
		}
		if err == nil {
			return nil
		}

		delay, ok := r.Next(attempt, err, prev)
		if !ok {
			return fault.WithAttempts(err, attempt)
		}
		prev = delay

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fault.WithAttempts(fault.Classify(nameOf(cb), ctx.Err()), attempt)
		case <-timer.C:
		}
	}
}

func (r *Retry) clamp(d, prev time.Duration) time.Duration {
	return min(max(d, prev), r.config.MaxDelay)
}

func nameOf(cb *CircuitBreaker) string {
	if cb == nil {
		return ""
	}
	return cb.Name()
}
