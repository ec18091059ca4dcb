package scenario

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry indexes scenarios by name.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scenarios: make(map[string]Scenario)}
}

// Default returns a registry holding every built-in scenario.
func Default() *Registry {
	r := NewRegistry()
	for _, s := range []Scenario{DelegatedLogin{}, UMAPolicyManagement{}} {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds s. Names are unique.
func (r *Registry) Register(s Scenario) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Name() == "" {
		return fmt.Errorf("scenario has no name")
	}
	if _, exists := r.scenarios[s.Name()]; exists {
		return fmt.Errorf("scenario %q is already registered", s.Name())
	}
	r.scenarios[s.Name()] = s
	return nil
}

// Get returns the scenario registered as name.
func (r *Registry) Get(name string) (Scenario, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scenarios[name]
	return s, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.scenarios))
}
