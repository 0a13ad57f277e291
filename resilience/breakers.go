package resilience

import (
	"slices"
	"sort"
	"sync"
)

// Breakers holds one circuit breaker per provider, created on first use
// from a shared configuration.
type Breakers struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	m         map[string]*CircuitBreaker
	listeners []func(name string, from, to State)
}

// NewBreakers creates an empty breaker table. config.Name is ignored; each
// breaker is named after its provider.
func NewBreakers(config CircuitBreakerConfig) *Breakers {
	return &Breakers{
		config: config,
		m:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for provider, creating it if needed.
func (b *Breakers) Get(provider string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.m[provider]
	if !ok {
		cfg := b.config
		cfg.Name = provider
		cfg.OnStateChange = b.notify
		cb = NewCircuitBreaker(cfg)
		b.m[provider] = cb
	}
	return cb
}

// OnStateChange registers fn to be called after any breaker in the table
// changes state, in addition to the configured callback.
func (b *Breakers) OnStateChange(fn func(name string, from, to State)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Breakers) notify(name string, from, to State) {
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(name, from, to)
	}
	b.mu.Lock()
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}

// Snapshot returns the health of every known breaker, sorted by provider.
func (b *Breakers) Snapshot() []Health {
	b.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(b.m))
	for _, cb := range b.m {
		breakers = append(breakers, cb)
	}
	b.mu.Unlock()

	out := make([]Health, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// AllOpen reports whether every named provider's breaker currently rejects
// calls. It is false for an empty list.
func (b *Breakers) AllOpen(providers []string) bool {
	if len(providers) == 0 {
		return false
	}
	for _, name := range providers {
		if b.Get(name).Check() == nil {
			return false
		}
	}
	return true
}
