package action

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps input-file keywords to action constructors. It is an
// explicit object with a documented lifecycle: created by the engine,
// populated with the builtin types and by extension loading before parsing
// begins, read-only while steps execute.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Constructor
}

// NewRegistry creates an empty action-type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Constructor)}
}

// Register binds a keyword to a constructor. Registering a keyword twice is
// an error: extension modules must not shadow builtin or already-loaded
// types.
func (r *Registry) Register(keyword string, c Constructor) error {
	if keyword == "" {
		return fmt.Errorf("action keyword must not be empty")
	}
	if c == nil {
		return fmt.Errorf("action %s: constructor must not be nil", keyword)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[keyword]; exists {
		return fmt.Errorf("action type %s already registered", keyword)
	}
	r.types[keyword] = c
	return nil
}

// Lookup returns the constructor for a keyword.
func (r *Registry) Lookup(keyword string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.types[keyword]
	return c, ok
}

// Keywords returns the registered keywords, sorted.
func (r *Registry) Keywords() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for k := range r.types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
