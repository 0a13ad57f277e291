// Package request defines the opaque unit of work routed to inference
// providers and the result handed back to callers.
//
// Payloads are never interpreted here. A Request carries the bytes, an
// optional provider hint, a priority and a timeout; the router fills in the
// ID, fingerprint and creation time when the caller leaves them empty.
package request

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/infergate/fault"
)

// Priority orders admission to the dispatch queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// ParsePriority parses "low", "normal" or "high" (case-insensitive).
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fault.Validation("unknown priority %q", s)
	}
}

// Request is a single inference call as submitted by a caller.
type Request struct {
	// ID identifies the request for Cancel. Generated when empty.
	ID string `json:"id"`

	// Provider optionally pins the request to one provider. Empty means any
	// provider in registry priority order.
	Provider string `json:"provider,omitempty"`

	// Payload is the opaque body handed to the provider adapter.
	Payload []byte `json:"payload"`

	// Fingerprint is the cache and single-flight key. Computed when empty.
	Fingerprint string `json:"fingerprint,omitempty"`

	Priority Priority `json:"priority"`

	// Timeout bounds the whole submission, including queue wait and retries.
	// Zero means the router default.
	Timeout time.Duration `json:"timeout,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// CacheTTL overrides the cache policy's default TTL for this request.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// NoCache skips both cache lookup and cache write.
	NoCache bool `json:"no_cache,omitempty"`
}

// NewID returns a fresh request identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the caller-supplied fields.
func (r *Request) Validate() error {
	if r == nil {
		return fault.Validation("request is nil")
	}
	if len(r.Payload) == 0 {
		return fault.Validation("payload is empty")
	}
	if !r.Priority.Valid() {
		return fault.Validation("invalid priority %d", r.Priority)
	}
	if r.Timeout < 0 {
		return fault.Validation("timeout must be >= 0")
	}
	if r.CacheTTL < 0 {
		return fault.Validation("cache ttl must be >= 0")
	}
	if strings.TrimSpace(r.Provider) != r.Provider {
		return fault.Validation("provider %q has surrounding whitespace", r.Provider)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	return &cp
}

// Result is the successful outcome of a submission.
type Result struct {
	RequestID   string        `json:"request_id"`
	Provider    string        `json:"provider,omitempty"`
	Fingerprint string        `json:"fingerprint"`
	Payload     []byte        `json:"payload"`
	Cached      bool          `json:"cached"`
	Shared      bool          `json:"shared"`
	Attempts    int           `json:"attempts"`
	Latency     time.Duration `json:"latency"`
}
