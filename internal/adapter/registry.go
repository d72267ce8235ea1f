package adapter

import (
	"fmt"
	"sort"
	"sync"

	"marketsync/internal/domain"
)

// Registry maps task types to marketplace adapters, so new marketplaces plug
// in without touching the queue or worker core.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]domain.Adapter)}
}

// Register binds a task type to an adapter. Re-registering a type replaces
// the previous binding.
func (r *Registry) Register(taskType string, a domain.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[taskType] = a
}

// Resolve returns the adapter for a task type.
func (r *Registry) Resolve(taskType string) (domain.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[taskType]
	if !ok {
		return nil, Permanent(fmt.Errorf("no adapter registered for task type %q", taskType))
	}
	return a, nil
}

// TaskTypes lists registered task types, sorted for stable logs.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
