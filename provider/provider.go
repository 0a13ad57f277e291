// Package provider defines the capability every inference backend exposes
// and the registry the router selects backends from.
//
// A Provider sends an opaque payload and returns an opaque response. Adapters
// report failures as *fault.Error so the router can tell a retryable outage
// from a rejected request; plain errors are classified as connection failures.
package provider

import (
	"context"
	"time"
)

// Provider performs the transport call to one inference backend.
//
// Call must honour ctx cancellation: the router cancels ctx when the last
// caller waiting on the result goes away or the request times out.
type Provider interface {
	Name() string
	Call(ctx context.Context, payload []byte) ([]byte, error)
}

// Func adapts a function to the Provider interface.
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, payload []byte) ([]byte, error)
}

// Name returns the provider name.
func (f Func) Name() string { return f.ProviderName }

// Call invokes the wrapped function.
func (f Func) Call(ctx context.Context, payload []byte) ([]byte, error) {
	return f.Fn(ctx, payload)
}

// Descriptor holds the routing attributes of a registered provider.
type Descriptor struct {
	// Name must match the provider's Name().
	Name string `json:"name" validate:"required"`

	// Endpoint identifies the backend for logs and health output.
	Endpoint string `json:"endpoint,omitempty"`

	// Priority orders failover. Lower values are tried first.
	Priority int `json:"priority"`

	// RateLimit is the sustained requests per second. Zero disables limiting.
	RateLimit float64 `json:"rate_limit" validate:"gte=0"`

	// Burst is the token bucket size. Defaults to 1 when RateLimit is set.
	Burst int `json:"burst" validate:"gte=0"`

	// MaxConcurrent bounds in-flight calls. Zero means the registry default.
	MaxConcurrent int `json:"max_concurrent" validate:"gte=0"`

	// Timeout bounds a single attempt. Zero means no per-attempt bound.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// Entry pairs a provider with its descriptor.
type Entry struct {
	Provider   Provider
	Descriptor Descriptor
}
