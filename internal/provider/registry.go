package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps stored provider kinds to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
}

// NewRegistry creates a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[Kind]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the adapter for p.Kind().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Get returns the adapter for kind, or ErrNotConfigured.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[Kind(kind)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrNotConfigured)
	}
	return p, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
