package stage

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the ordered stage catalog. It is filled at wiring time and
// read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	order  []string
}

func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[string]Stage)}
	for _, s := range stages {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a stage. Duplicate ids, duplicate order slots and
// descriptors declaring non-deterministic capabilities are rejected.
func (r *Registry) Register(s Stage) error {
	if s == nil {
		return fmt.Errorf("stage is nil")
	}
	d := s.Descriptor()
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[d.ID]; ok {
		return fmt.Errorf("stage %s already registered", d.ID)
	}
	for _, id := range r.order {
		if r.stages[id].Descriptor().Order == d.Order {
			return fmt.Errorf("stage %s: order %d already taken by %s", d.ID, d.Order, id)
		}
	}
	r.stages[d.ID] = s
	r.order = append(r.order, d.ID)
	sort.Slice(r.order, func(i, j int) bool {
		return r.stages[r.order[i]].Descriptor().Order < r.stages[r.order[j]].Descriptor().Order
	})
	return nil
}

func (r *Registry) Get(id string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[id]
	return s, ok
}

// Descriptors lists registered stages in pipeline order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.stages[id].Descriptor())
	}
	return out
}
