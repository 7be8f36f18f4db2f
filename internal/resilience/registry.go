package resilience

import (
	"sort"
	"sync"
)

// Registry holds one [CircuitBreaker] per dependency name. Breakers are
// created lazily from a shared template and live as long as the registry.
type Registry struct {
	template Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns a registry whose breakers are built from template with
// Name set to the dependency name.
func NewRegistry(template Config) *Registry {
	return &Registry{template: template, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.template
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the breaker for name without creating one.
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Names returns the names of all breakers created so far, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// States reports the current state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, cb := range breakers {
		out[cb.Name()] = cb.State()
	}
	return out
}
