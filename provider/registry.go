package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a provider is not registered.
	ErrNotFound = errors.New("provider: not found")

	// ErrAlreadyRegistered is returned when registering a duplicate name.
	ErrAlreadyRegistered = errors.New("provider: already registered")

	// ErrInvalid is returned for a nil provider or a descriptor that does not
	// match the provider.
	ErrInvalid = errors.New("provider: invalid registration")
)

// Registry holds providers ordered by descriptor priority.
// Registration order breaks priority ties.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds p with the given descriptor. An empty d.Name takes p.Name().
func (r *Registry) Register(p Provider, d Descriptor) error {
	if p == nil {
		return fmt.Errorf("%w: nil provider", ErrInvalid)
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if d.Name == "" {
		d.Name = name
	}
	if d.Name != name {
		return fmt.Errorf("%w: descriptor %q does not match provider %q", ErrInvalid, d.Name, name)
	}
	if d.RateLimit > 0 && d.Burst <= 0 {
		d.Burst = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	r.entries = append(r.entries, Entry{Provider: p, Descriptor: d})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].Descriptor.Priority < r.entries[j].Descriptor.Priority
	})
	for i, e := range r.entries {
		r.index[e.Descriptor.Name] = i
	}
	return nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.entries[i], nil
}

// Names returns provider names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Descriptor.Name
	}
	return names
}

// Entries returns a copy of all entries in priority order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
