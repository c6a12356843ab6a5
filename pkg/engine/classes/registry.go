package classes

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages all registered unit classes.
// Mutations to individual classes are serialized by the listing controller;
// the registry itself only guards its map.
type Registry struct {
	mu      sync.RWMutex
	classes map[ID]*Class
}

// NewRegistry creates an empty class registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[ID]*Class)}
}

// Register adds a new class to the registry.
// Returns an error if a class with the same id already exists.
func (r *Registry) Register(c *Class) error {
	if c == nil {
		return fmt.Errorf("cannot register nil class")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[c.ID]; exists {
		return fmt.Errorf("class %d already registered", c.ID)
	}
	r.classes[c.ID] = c
	return nil
}

// Get retrieves a class by id.
func (r *Registry) Get(id ID) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[id]
	return c, ok
}

// List returns all registered classes ordered by id.
func (r *Registry) List() []*Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered classes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.classes)
}
