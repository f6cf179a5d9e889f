package extractor

import (
	"sort"
	"sync"
)

// Descriptor pairs an extractor with its routing priority. Higher priority
// extractors are consulted first; ties resolve in registration order.
type Descriptor struct {
	Name      string
	Priority  int
	Extractor Extractor
}

// Registry dispatches locators to the highest-priority extractor that can
// handle them. Registration is expected to happen at process start, but
// runtime registration is safe: writers re-sort under a lock while readers
// work from a snapshot.
type Registry struct {
	mu          sync.RWMutex
	descriptors []Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an extractor at the given priority.
func (r *Registry) Register(name string, priority int, ext Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors = append(r.descriptors, Descriptor{
		Name:      name,
		Priority:  priority,
		Extractor: ext,
	})
	// Stable sort keeps registration order for equal priorities.
	sort.SliceStable(r.descriptors, func(i, j int) bool {
		return r.descriptors[i].Priority > r.descriptors[j].Priority
	})
}

// Resolve returns the first extractor whose CanHandle matches the locator,
// in descending priority order. Returns ErrNoExtractorFound if none match.
func (r *Registry) Resolve(locator string) (Extractor, error) {
	for _, d := range r.snapshot() {
		if d.Extractor.CanHandle(locator) {
			return d.Extractor, nil
		}
	}
	return nil, ErrNoExtractorFound
}

// Descriptors returns the registered descriptors in dispatch order.
func (r *Registry) Descriptors() []Descriptor {
	return r.snapshot()
}

func (r *Registry) snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}
