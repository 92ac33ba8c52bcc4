package source

import (
	"sort"
	"sync"
)

// Registry holds the sources known to a process, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]DataSource
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]DataSource),
	}
}

// Register adds a source, replacing any source with the same name.
func (r *Registry) Register(ds DataSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[ds.Name()] = ds
}

// Get returns a source by name, or nil if not found.
func (r *Registry) Get(name string) DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// List returns all registered source names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered source sorted by name.
func (r *Registry) All() []DataSource {
	names := r.List()
	out := make([]DataSource, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		out = append(out, r.sources[n])
	}
	return out
}

// Enabled returns the available sources whose category is enabled, in
// name order. Ordering for querying is the waterfall's concern.
func (r *Registry) Enabled(cats Categories) []DataSource {
	var out []DataSource
	for _, ds := range r.All() {
		if !ds.IsAvailable() {
			continue
		}
		if !cats.Allows(CategoryOf(ds)) {
			continue
		}
		out = append(out, ds)
	}
	return out
}
