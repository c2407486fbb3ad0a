package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per (network, operation) pair.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults Config
	opts     []Option
}

// NewRegistry creates a registry whose breakers share the given defaults.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		opts:     opts,
	}
}

// Key builds the dependency name for a network operation.
func Key(network, operation string) string {
	return network + ":" + operation
}

// Get returns the breaker for the pair, creating it on first use.
func (r *Registry) Get(network, operation string) *CircuitBreaker {
	key := Key(network, operation)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.defaults
	cfg.Name = key
	b := New(cfg, r.opts...)
	r.breakers[key] = b
	return b
}

// Snapshot reports the state of every breaker created so far.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// Names lists registered breaker keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

