package cache

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jonwraymond/infergate/observe"
)

// StoreCache implements Cache over a pluggable Store and TagIndex. Entries
// are wrapped in a msgpack envelope carrying their own expiry, so stores
// without per-key TTLs still never serve stale values.
type StoreCache struct {
	store  Store
	index  TagIndex
	prefix string
	logger observe.Logger
	now    func() time.Time
}

// StoreCacheOption configures a StoreCache.
type StoreCacheOption func(*StoreCache)

// WithKeyPrefix namespaces keys written to the store.
func WithKeyPrefix(p string) StoreCacheOption {
	return func(c *StoreCache) { c.prefix = p }
}

// WithLogger sets the logger used for swallowed backend errors.
func WithLogger(l observe.Logger) StoreCacheOption {
	return func(c *StoreCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreCacheOption {
	return func(c *StoreCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewStoreCache creates a cache over store. A nil index uses a LocalTagIndex.
func NewStoreCache(store Store, index TagIndex, opts ...StoreCacheOption) *StoreCache {
	if index == nil {
		index = NewLocalTagIndex()
	}
	c := &StoreCache{
		store:  store,
		index:  index,
		prefix: "infergate:cache:",
		logger: observe.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *StoreCache) key(fp string) string { return c.prefix + fp }

// Get returns the value for fingerprint. Backend errors, corrupt envelopes
// and expired entries are all misses.
func (c *StoreCache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	raw, ok, err := c.store.Get(ctx, c.key(fingerprint))
	if err != nil {
		c.logger.Debug(ctx, "cache backend get failed", observe.F("fingerprint", fingerprint), observe.F("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil || e.Fingerprint != fingerprint {
		c.logger.Warn(ctx, "dropping corrupt cache entry", observe.F("fingerprint", fingerprint))
		c.drop(ctx, fingerprint)
		return nil, false
	}
	if e.Expired(c.now()) {
		c.drop(ctx, fingerprint)
		return nil, false
	}
	return bytes.Clone(e.Value), true
}

// Set stores value. TTL <= 0 stores nothing. A store rejecting the write
// under memory pressure is not an error.
func (c *StoreCache) Set(ctx context.Context, fingerprint string, value []byte, ttl time.Duration, tags ...string) error {
	if ttl <= 0 {
		return nil
	}
	if err := ValidateKey(fingerprint); err != nil {
		return err
	}

	e := Entry{
		Fingerprint: fingerprint,
		Value:       value,
		StoredAt:    c.now(),
		TTL:         ttl,
		Tags:        normalizeTags(tags),
	}
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	ok, err := c.store.Set(ctx, c.key(fingerprint), raw, ttl)
	if err != nil {
		return fmt.Errorf("cache: store set: %w", err)
	}
	if !ok {
		return nil
	}
	if err := c.index.Remove(ctx, fingerprint); err != nil {
		return fmt.Errorf("cache: tag index: %w", err)
	}
	if err := c.index.Add(ctx, fingerprint, e.Tags); err != nil {
		return fmt.Errorf("cache: tag index: %w", err)
	}
	return nil
}

// Delete removes fingerprint. Idempotent.
func (c *StoreCache) Delete(ctx context.Context, fingerprint string) error {
	if err := c.store.Del(ctx, c.key(fingerprint)); err != nil {
		return fmt.Errorf("cache: store del: %w", err)
	}
	if err := c.index.Remove(ctx, fingerprint); err != nil {
		return fmt.Errorf("cache: tag index: %w", err)
	}
	return nil
}

// InvalidateByPrefix removes every indexed entry with a tag beginning with prefix.
func (c *StoreCache) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ValidateTag(prefix); err != nil {
		return 0, err
	}
	fps, err := c.index.Match(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("cache: tag index: %w", err)
	}
	n := 0
	for _, fp := range fps {
		if err := c.Delete(ctx, fp); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close closes the underlying store.
func (c *StoreCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *StoreCache) drop(ctx context.Context, fp string) {
	if err := c.Delete(ctx, fp); err != nil {
		c.logger.Debug(ctx, "cache cleanup failed", observe.F("fingerprint", fp), observe.F("error", err))
	}
}

var _ Cache = (*StoreCache)(nil)
