package cache

import (
	"fmt"
	"time"

	"github.com/jonwraymond/infergate/request"
)

// Policy decides whether a response is cached and for how long.
type Policy struct {
	// DefaultTTL applies to requests without a CacheTTL of their own. Zero
	// leaves such requests uncached.
	DefaultTTL time.Duration

	// MaxTTL clamps per-request overrides. Zero means no cap.
	MaxTTL time.Duration
}

// DefaultPolicy caches for five minutes and allows overrides up to an hour.
func DefaultPolicy() Policy {
	return Policy{DefaultTTL: 5 * time.Minute, MaxTTL: time.Hour}
}

// NoCachePolicy caches nothing unless a request asks for it.
func NoCachePolicy() Policy {
	return Policy{}
}

// TTL returns the lifetime for req's response. ok is false when the
// response must not be cached: req opted out or no lifetime applies.
func (p Policy) TTL(req *request.Request) (ttl time.Duration, ok bool) {
	if req == nil || req.NoCache {
		return 0, false
	}
	ttl = req.CacheTTL
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 {
		ttl = min(ttl, p.MaxTTL)
	}
	return ttl, ttl > 0
}

// Validate rejects negative durations and a default above the cap.
func (p Policy) Validate() error {
	switch {
	case p.DefaultTTL < 0 || p.MaxTTL < 0:
		return fmt.Errorf("cache: negative TTL in policy %+v", p)
	case p.MaxTTL > 0 && p.DefaultTTL > p.MaxTTL:
		return fmt.Errorf("cache: TTL %v exceeds max TTL %v", p.DefaultTTL, p.MaxTTL)
	}
	return nil
}
