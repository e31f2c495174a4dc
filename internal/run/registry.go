// ABOUTME: Process-wide registry mapping run ids to their live Run Context
// ABOUTME: Shared by every socket session; guarded by a read-write mutex

package run

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrRunExists is returned when putting a second context under one run id.
	ErrRunExists = errors.New("run already registered")
	// ErrRunNotFound is returned when no context is registered for a run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrWorkModuleNotFound is returned for unknown work module ids.
	ErrWorkModuleNotFound = errors.New("work module not found")
)

// Registry holds exactly one Context per run id.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Context
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Context)}
}

// Put registers c under its run id.
func (r *Registry) Put(c *Context) error {
	id := c.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return ErrRunExists
	}
	r.runs[id] = c
	return nil
}

// Get returns the context for runID.
func (r *Registry) Get(runID string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runs[runID]
	return c, ok
}

// Delete removes runID. It reports whether an entry existed.
func (r *Registry) Delete(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	delete(r.runs, runID)
	return ok
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// IDs returns the registered run ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
