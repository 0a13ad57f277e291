package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a fingerprint or tag.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrNilCache   = errors.New("cache: cache is nil")
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
	ErrInvalidTag = errors.New("cache: tag is invalid")
	ErrClosed     = errors.New("cache: closed")
)

// Cache is a fingerprint-keyed response store with TTL and tag invalidation.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Get is advisory: it never errors, and backend failures behave as a miss.
// - An entry is never returned once its TTL has elapsed.
// - InvalidateByPrefix with zero matching entries returns (0, nil).
type Cache interface {
	// Get retrieves a cached value. Returns (nil, false) on miss or expiry.
	Get(ctx context.Context, fingerprint string) ([]byte, bool)

	// Set stores a value with the given TTL and tags. TTL <= 0 stores nothing.
	Set(ctx context.Context, fingerprint string, value []byte, ttl time.Duration, tags ...string) error

	// Delete removes a cached value. Idempotent.
	Delete(ctx context.Context, fingerprint string) error

	// InvalidateByPrefix removes every entry carrying a tag that begins with
	// prefix and reports how many entries were removed.
	InvalidateByPrefix(ctx context.Context, prefix string) (int, error)
}

// Entry is a cached response together with its bookkeeping.
type Entry struct {
	Fingerprint string        `msgpack:"fp"`
	Value       []byte        `msgpack:"v"`
	StoredAt    time.Time     `msgpack:"at"`
	TTL         time.Duration `msgpack:"ttl"`
	Tags        []string      `msgpack:"tags,omitempty"`
}

// ExpiresAt returns the instant after which the entry is no longer served.
func (e *Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// ValidateKey checks if a fingerprint is usable as a cache key.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTag checks an invalidation tag or tag prefix.
func ValidateTag(tag string) error {
	if err := ValidateKey(tag); err != nil {
		return ErrInvalidTag
	}
	return nil
}

// ProviderTag is the tag attached to every entry served by provider.
func ProviderTag(provider string) string {
	return "provider:" + strings.ToLower(strings.TrimSpace(provider))
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if ValidateTag(t) != nil {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
