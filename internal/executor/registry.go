package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps executor identities to implementations.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds or replaces the executor for ref.
func (r *Registry) Register(ref string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ref] = e
}

// Get returns the executor for ref.
func (r *Registry) Get(ref string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[ref]
	return e, ok
}

// Lookup returns the executor for ref or a validation error.
func (r *Registry) Lookup(ref string) (Executor, error) {
	if e, ok := r.Get(ref); ok {
		return e, nil
	}
	return nil, Validationf("lookup", "no executor registered for %q", ref)
}

// Has reports whether ref is registered.
func (r *Registry) Has(ref string) bool {
	_, ok := r.Get(ref)
	return ok
}

// Names returns the registered identities, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer for debug output.
func (r *Registry) String() string {
	return fmt.Sprintf("executor.Registry%v", r.Names())
}
