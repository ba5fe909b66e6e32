package reliability

import "sync"

// Registry hands out one breaker per provider name so every call site that
// names the same provider shares the same state machine. It is constructed
// explicitly and injected; there is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	settings Settings
}

// NewRegistry builds a registry whose breakers share the given settings.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: settings,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.settings)
	r.breakers[name] = b
	return b
}

// Stats snapshots every registered breaker, keyed by provider name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
