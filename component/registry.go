package component

import (
	"sync"

	"github.com/reconflow/reconflow/rferr"
)

// Registry is the process-wide component catalog. Registration order is
// preserved so two compilations against the same registry observe identical
// definition sets. Safe for concurrent use; definitions are immutable after
// registration.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Definition
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Definition)}
}

// Register adds a definition. Fails when the id is empty or already present.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return rferr.New(rferr.KindValidation, "component id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[def.ID]; exists {
		return rferr.Newf(rferr.KindConflict, "component %q already registered", def.ID).
			WithField("componentId", def.ID)
	}
	d := def
	r.byID[def.ID] = &d
	r.order = append(r.order, def.ID)
	return nil
}

// MustRegister registers a definition and panics on failure. Intended for the
// init-time registration of built-in components where a duplicate id is a
// programming error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// List returns all definitions in registration order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		defs = append(defs, r.byID[id])
	}
	return defs
}

// Len reports the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
