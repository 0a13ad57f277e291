package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache with a tag index, lazy expiry and an
// optional background sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	tags    map[string]map[string]struct{}
	now     func() time.Time

	sweepEvery time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithSweepInterval starts a goroutine removing expired entries every d.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *MemoryCache) { c.sweepEvery = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*Entry),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c
}

// Get retrieves a value. Returns (nil, false) on miss or expiry.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if e.Expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.entries[fingerprint]; ok && cur == e {
			c.removeLocked(fingerprint)
		}
		c.mu.Unlock()
		return nil, false
	}

	return bytes.Clone(e.Value), true
}

// Set stores value under fingerprint. TTL <= 0 means no caching.
func (c *MemoryCache) Set(_ context.Context, fingerprint string, value []byte, ttl time.Duration, tags ...string) error {
	if ttl <= 0 {
		return nil
	}
	if err := ValidateKey(fingerprint); err != nil {
		return err
	}

	e := &Entry{
		Fingerprint: fingerprint,
		Value:       bytes.Clone(value),
		StoredAt:    c.now(),
		TTL:         ttl,
		Tags:        normalizeTags(tags),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; exists {
		c.removeLocked(fingerprint)
	}
	c.entries[fingerprint] = e
	for _, t := range e.Tags {
		set, ok := c.tags[t]
		if !ok {
			set = make(map[string]struct{})
			c.tags[t] = set
		}
		set[fingerprint] = struct{}{}
	}
	return nil
}

// Delete removes a value. Idempotent.
func (c *MemoryCache) Delete(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	c.removeLocked(fingerprint)
	c.mu.Unlock()
	return nil
}

// InvalidateByPrefix removes all entries carrying a tag that begins with prefix.
func (c *MemoryCache) InvalidateByPrefix(_ context.Context, prefix string) (int, error) {
	if err := ValidateTag(prefix); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	victims := make(map[string]struct{})
	for tag, fps := range c.tags {
		if !strings.HasPrefix(tag, prefix) {
			continue
		}
		for fp := range fps {
			victims[fp] = struct{}{}
		}
	}
	for fp := range victims {
		c.removeLocked(fp)
	}
	return len(victims), nil
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for fp, e := range c.entries {
		if e.Expired(now) {
			c.removeLocked(fp)
			n++
		}
	}
	return n
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

func (c *MemoryCache) sweepLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) removeLocked(fp string) {
	e, ok := c.entries[fp]
	if !ok {
		return
	}
	for _, t := range e.Tags {
		if set, ok := c.tags[t]; ok {
			delete(set, fp)
			if len(set) == 0 {
				delete(c.tags, t)
			}
		}
	}
	delete(c.entries, fp)
}

var _ Cache = (*MemoryCache)(nil)
