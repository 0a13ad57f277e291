// Package fault defines the typed outcomes every routing call resolves with.
//
// Each failure carries a Kind. Sentinel values (ErrTimeout, ErrCircuitOpen, ...)
// compare by kind, so errors.Is(err, fault.ErrTimeout) holds for any timeout
// regardless of provider, status or cause.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is never produced by this module; it marks a zero Error.
	KindUnknown Kind = iota
	// KindValidation is malformed input. Never retried.
	KindValidation
	// KindTimeout is a deadline that elapsed before the provider answered.
	KindTimeout
	// KindProvider is a failure reported by, or on the way to, a provider.
	// Status is the HTTP status, or 0 for connection-level failures.
	KindProvider
	// KindCircuitOpen means the provider's breaker rejected the dispatch.
	KindCircuitOpen
	// KindQueueFull means admission was refused because the queue is at capacity.
	KindQueueFull
	// KindCancelled means the caller, or an eviction policy, abandoned the request.
	KindCancelled
	// KindDeferred means the request was persisted for later replay.
	KindDeferred
	// KindOffline means no dispatch is possible and nothing could persist the request.
	KindOffline
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindProvider:
		return "provider"
	case KindCircuitOpen:
		return "circuit_open"
	case KindQueueFull:
		return "queue_full"
	case KindCancelled:
		return "cancelled"
	case KindDeferred:
		return "deferred"
	case KindOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by the routing layer.
type Error struct {
	Kind     Kind
	Provider string
	// Status is the provider's HTTP status for KindProvider, 0 otherwise.
	Status int
	// Attempts is the number of dispatch attempts made before giving up.
	Attempts int
	// RetryAfter is the provider's back-off hint, if it sent one.
	RetryAfter time.Duration
	// Ref identifies a related record, e.g. the persisted item for KindDeferred.
	Ref     string
	Message string
	Cause   error
}

// Sentinel errors, one per kind. Compare with errors.Is.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrProvider    = &Error{Kind: KindProvider}
	ErrCircuitOpen = &Error{Kind: KindCircuitOpen}
	ErrQueueFull   = &Error{Kind: KindQueueFull}
	ErrCancelled   = &Error{Kind: KindCancelled}
	ErrDeferred    = &Error{Kind: KindDeferred}
	ErrOffline     = &Error{Kind: KindOffline}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("fault: ")
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%v)", e.Cause)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Timeout creates a timeout error for provider.
func Timeout(provider string, cause error) *Error {
	return &Error{Kind: KindTimeout, Provider: provider, Cause: cause}
}

// Provider creates a provider error with the given HTTP status (0 for
// connection failures).
func Provider(provider string, status int, cause error) *Error {
	return &Error{Kind: KindProvider, Provider: provider, Status: status, Cause: cause}
}

// CircuitOpen creates a circuit-open error for provider.
func CircuitOpen(provider string) *Error {
	return &Error{Kind: KindCircuitOpen, Provider: provider, Message: "circuit breaker is open"}
}

// QueueFull creates a queue-full error.
func QueueFull(message string) *Error {
	return &Error{Kind: KindQueueFull, Message: message}
}

// Cancelled creates a cancellation error.
func Cancelled(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message}
}

// Deferred creates a deferred outcome for the persisted item ref.
// cause is the condition that prevented dispatch.
func Deferred(ref string, cause error) *Error {
	return &Error{Kind: KindDeferred, Ref: ref, Message: "persisted for replay", Cause: cause}
}

// Offline creates an offline error.
func Offline(cause error) *Error {
	return &Error{Kind: KindOffline, Message: "no provider reachable", Cause: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// StatusOf returns the provider HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// WithAttempts returns a copy of err annotated with the attempt count.
// Errors that are not *Error are returned unchanged.
func WithAttempts(err error, attempts int) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	cp := *fe
	cp.Attempts = attempts
	return &cp
}

// WithProvider returns a copy of err naming provider, unless it already names one.
func WithProvider(err error, provider string) error {
	var fe *Error
	if !errors.As(err, &fe) || fe.Provider != "" {
		return err
	}
	cp := *fe
	cp.Provider = provider
	return &cp
}
