package health

import (
	"context"
	"fmt"
	"time"
)

// Status is the health of one component, ordered from best to worst.
type Status int

const (
	StatusHealthy Status = iota
	// StatusDegraded means the component still serves, with providers shed
	// or requests deferred.
	StatusDegraded
	StatusUnhealthy
)

var statusNames = [...]string{"healthy", "degraded", "unhealthy"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalText writes the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("health: unknown status %q", b)
}

// Ready reports whether a component in this status should receive traffic.
func (s Status) Ready() bool { return s != StatusUnhealthy }

// Worst returns the worse of s and o.
func (s Status) Worst(o Status) Status { return max(s, o) }

// Result is the outcome of one check.
type Result struct {
	Status   Status
	Message  string
	Details  map[string]any
	Duration time.Duration
	// Timestamp is when the check ran.
	Timestamp time.Time
	Error     error
}

func newResult(s Status, msg string, err error) Result {
	return Result{Status: s, Message: msg, Error: err, Timestamp: time.Now()}
}

// Healthy reports a component serving normally.
func Healthy(msg string) Result { return newResult(StatusHealthy, msg, nil) }

// Degraded reports a component serving with reduced capacity.
func Degraded(msg string) Result { return newResult(StatusDegraded, msg, nil) }

// Unhealthy reports a component that cannot serve; err may be nil.
func Unhealthy(msg string, err error) Result { return newResult(StatusUnhealthy, msg, err) }

// WithDetails returns r with details attached.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// WithDuration returns r with the check duration set.
func (r Result) WithDuration(d time.Duration) Result {
	r.Duration = d
	return r
}

// Checker reports the health of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Func is a check body without a name.
type Func func(ctx context.Context) Result

// Named turns fn into a Checker reporting as name.
func Named(name string, fn Func) Checker {
	return namedChecker{name: name, fn: fn}
}

type namedChecker struct {
	name string
	fn   Func
}

func (c namedChecker) Name() string                     { return c.name }
func (c namedChecker) Check(ctx context.Context) Result { return c.fn(ctx) }
