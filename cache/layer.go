package cache

import (
	"context"
	"time"

	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/request"
)

// SkipRule reports whether a request bypasses the cache entirely, on top of
// the Policy's own NoCache handling.
type SkipRule func(req *request.Request) bool

// Layer applies a Policy and Fingerprinter on top of a Cache for the router.
// Backend failures are logged and swallowed: the cache never fails a request.
type Layer struct {
	cache  Cache
	fp     Fingerprinter
	policy Policy
	skip   SkipRule
	logger observe.Logger
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithFingerprinter replaces the default fingerprinter.
func WithFingerprinter(f Fingerprinter) LayerOption {
	return func(l *Layer) {
		if f != nil {
			l.fp = f
		}
	}
}

// WithSkipRule adds a bypass rule.
func WithSkipRule(r SkipRule) LayerOption {
	return func(l *Layer) {
		if r != nil {
			l.skip = r
		}
	}
}

// WithLayerLogger sets the logger for swallowed cache errors.
func WithLayerLogger(lg observe.Logger) LayerOption {
	return func(l *Layer) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLayer creates a Layer. A nil cache disables caching but keeps
// fingerprinting.
func NewLayer(c Cache, policy Policy, opts ...LayerOption) *Layer {
	l := &Layer{
		cache:  c,
		fp:     NewDefaultFingerprinter(),
		policy: policy,
		logger: observe.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fingerprint returns req.Fingerprint, computing and storing it when empty.
func (l *Layer) Fingerprint(req *request.Request) string {
	if req.Fingerprint == "" {
		req.Fingerprint = l.fp.Fingerprint(req.Provider, req.Payload)
	}
	return req.Fingerprint
}

// Enabled reports whether req participates in caching.
func (l *Layer) Enabled(req *request.Request) bool {
	_, ok := l.ttl(req)
	return ok
}

func (l *Layer) ttl(req *request.Request) (time.Duration, bool) {
	if l.cache == nil || (l.skip != nil && l.skip(req)) {
		return 0, false
	}
	return l.policy.TTL(req)
}

// Lookup returns a cached response for req.
func (l *Layer) Lookup(ctx context.Context, req *request.Request) ([]byte, bool) {
	if !l.Enabled(req) {
		return nil, false
	}
	return l.cache.Get(ctx, l.Fingerprint(req))
}

// Store caches a successful response served by provider. Extra tags are
// attached alongside the provider tag.
func (l *Layer) Store(ctx context.Context, req *request.Request, provider string, value []byte, tags ...string) {
	ttl, ok := l.ttl(req)
	if !ok {
		return
	}
	all := append([]string{ProviderTag(provider)}, tags...)
	if err := l.cache.Set(ctx, l.Fingerprint(req), value, ttl, all...); err != nil {
		l.logger.Warn(ctx, "cache write failed",
			observe.F("request_id", req.ID),
			observe.F("fingerprint", req.Fingerprint),
			observe.F("error", err),
		)
	}
}

// Invalidate removes entries whose tags begin with prefix.
func (l *Layer) Invalidate(ctx context.Context, prefix string) (int, error) {
	if l.cache == nil {
		if err := ValidateTag(prefix); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return l.cache.InvalidateByPrefix(ctx, prefix)
}
