package batch

import (
	"fmt"
	"sync"
)

// Registry holds the registered pipeline stages in execution order.
// Registration order must already respect dependencies; Validate enforces it.
type Registry struct {
	stages  map[string]*Stage
	ordered []*Stage
	mu      sync.RWMutex
}

// NewRegistry creates a new stage registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]*Stage),
	}
}

// Register appends a stage. Re-registering a name replaces the stage but
// keeps its original position.
func (r *Registry) Register(stage *Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[stage.Name]; exists {
		for i, s := range r.ordered {
			if s.Name == stage.Name {
				r.ordered[i] = stage
				break
			}
		}
	} else {
		r.ordered = append(r.ordered, stage)
	}
	r.stages[stage.Name] = stage
}

// Get returns a stage by name, or nil if not registered.
func (r *Registry) Get(name string) *Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.stages[name]
}

// Ordered returns the stages in registration order.
func (r *Registry) Ordered() []*Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Stage, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Count returns the number of registered stages.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.stages)
}

// Validate checks that every dependency is registered, appears earlier in
// the order, and that no per-portfolio stage precedes a global one.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.ordered))
	globalsDone := false
	for _, stage := range r.ordered {
		if stage.Global && globalsDone {
			return fmt.Errorf("global stage %q registered after per-portfolio stages", stage.Name)
		}
		if !stage.Global {
			globalsDone = true
		}
		for _, dep := range stage.DependsOn {
			if _, ok := r.stages[dep]; !ok {
				return fmt.Errorf("stage %q depends on unregistered stage %q", stage.Name, dep)
			}
			if !seen[dep] {
				return fmt.Errorf("stage %q depends on %q which is registered later", stage.Name, dep)
			}
		}
		seen[stage.Name] = true
	}
	return nil
}
