// Package resilience provides the failure-handling primitives the router
// applies to every provider call.
//
// # Patterns
//
//   - Circuit Breaker: one per provider, held in a Breakers table. Opens after
//     MaxFailures classified failures within a rolling window, admits one
//     probe after the cooldown, and doubles the cooldown on each failed probe.
//
//   - Retry: exponential backoff with jitter. Delays are non-decreasing and
//     capped; Retry-After hints raise them.
//
//   - Rate Limiter: token bucket waited on before each attempt.
//
//   - Bulkhead: concurrency limit, used as a provider's dispatch lane.
//
//   - Timeout: bounds one attempt even if the provider ignores cancellation.
//
// Failures are reported as *fault.Error so callers can match them with
// errors.Is against the fault sentinels.
//
// # Usage
//
//	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{
//	    MaxFailures:     5,
//	    Window:          time.Minute,
//	    ResetTimeout:    10 * time.Second,
//	    MaxResetTimeout: 5 * time.Minute,
//	})
//
//	exec := resilience.NewExecutor("openai",
//	    resilience.WithCircuitBreaker(breakers.Get("openai")),
//	    resilience.WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{Rate: 5, Burst: 5})),
//	    resilience.WithTimeout(20*time.Second),
//	)
//
//	retry := resilience.NewRetry(resilience.RetryConfig{
//	    MaxAttempts:  4,
//	    InitialDelay: 100 * time.Millisecond,
//	    MaxDelay:     5 * time.Second,
//	    JitterRatio:  0.2,
//	})
//
//	err := exec.Execute(ctx, func(ctx context.Context) error {
//	    out, err = p.Call(ctx, payload)
//	    return err
//	})
//	if delay, ok := retry.Next(attempt, err, prev); ok {
//	    // schedule the next attempt after delay
//	}
package resilience
