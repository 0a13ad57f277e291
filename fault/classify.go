package fault

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Classify normalizes an error returned by a provider adapter into an *Error.
//
//   - nil stays nil
//   - an *Error keeps its kind and gains the provider name if missing
//   - context.DeadlineExceeded and net timeouts become KindTimeout
//   - context.Canceled becomes KindCancelled
//   - anything else is a connection-level KindProvider with status 0
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return WithProvider(err, provider)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(provider, err)
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Provider: provider, Cause: err}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(provider, err)
	}

	return Provider(provider, 0, err)
}

// Retryable reports whether err is worth another attempt: timeouts,
// connection failures, HTTP 429 and HTTP 5xx.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindTimeout:
		return true
	case KindProvider:
		return retryableStatus(fe.Status)
	default:
		return false
	}
}

// BreakerFailure reports whether err should count against a provider's
// circuit breaker. The classification matches Retryable: validation, auth and
// other 4xx responses say nothing about provider health.
func BreakerFailure(err error) bool {
	return Retryable(err)
}

// Terminal reports whether err is a final outcome for a persisted request:
// nil (success) or a failure no replay could fix.
func Terminal(err error) bool {
	if err == nil {
		return true
	}
	switch KindOf(err) {
	case KindValidation:
		return true
	case KindProvider:
		return !retryableStatus(StatusOf(err))
	default:
		return false
	}
}

func retryableStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}
