package circuit

import (
	"sort"
	"sync"
)

// Registry owns one breaker per dependency so failures in one dependency can
// never open the circuit of another.
type Registry struct {
	mu       sync.RWMutex
	defaults []Option
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers start from the given options.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Register creates the breaker for name, or returns the existing one.
// Per-dependency options are applied after the registry defaults.
func (r *Registry) Register(name string, opts ...Option) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	all := make([]Option, 0, len(r.defaults)+len(opts))
	all = append(all, r.defaults...)
	all = append(all, opts...)
	b := New(name, all...)
	r.breakers[name] = b
	return b
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns every breaker's metrics ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if b, ok := r.Get(name); ok {
			out = append(out, b.Metrics())
		}
	}
	return out
}

// ResetAll closes every registered breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
