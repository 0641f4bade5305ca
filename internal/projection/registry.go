package projection

import (
	"context"
	"sort"
	"sync"

	"github.com/SteelMorgan/projector/internal/domain"
)

// Controllable is the type-erased control surface of a Runner.
type Controllable interface {
	ID() domain.ProjectionID
	State() State
	Status() Status
	Stop(ctx context.Context) error
	Resume()
}

// Registry tracks the runners live in this process. Schedulers replace
// entries as they create new runners for a shard.
type Registry struct {
	mu      sync.RWMutex
	runners map[domain.ProjectionID]Controllable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[domain.ProjectionID]Controllable)}
}

// Register adds or replaces the runner for its id.
func (r *Registry) Register(c Controllable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[c.ID()] = c
}

// Unregister removes c if it is still the registered runner for its id.
func (r *Registry) Unregister(c Controllable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runners[c.ID()]; ok && cur == c {
		delete(r.runners, c.ID())
	}
}

// Lookup returns the runner for id.
func (r *Registry) Lookup(id domain.ProjectionID) (Controllable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runners[id]
	return c, ok
}

// List returns every registered runner ordered by name and key.
func (r *Registry) List() []Controllable {
	r.mu.RLock()
	out := make([]Controllable, 0, len(r.runners))
	for _, c := range r.runners {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID(), out[j].ID()
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Key < b.Key
	})
	return out
}
