// ABOUTME: Per-socket set of live task handles keyed by run id
// ABOUTME: Enforces at most one live task per key and reaps finished tasks

package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTaskExists is returned by Add when a live task already holds the key.
var ErrTaskExists = errors.New("a live task already exists for this key")

// SubKey builds the key of a nested task (e.g. a principal flow inside a
// partner run).
func SubKey(runID, sub string) string {
	return runID + "/" + sub
}

// Set maps keys to live task handles.
type Set struct {
	mu     sync.Mutex
	tasks  map[string]*Handle
	onReap func(h *Handle)
}

// NewSet creates an empty Set. onReap, if non-nil, is called after a finished
// task has been removed from the set.
func NewSet(onReap func(h *Handle)) *Set {
	return &Set{
		tasks:  make(map[string]*Handle),
		onReap: onReap,
	}
}

// Add records h under h.Key. A finished handle under the same key is
// replaced; a live one makes Add fail with ErrTaskExists.
func (s *Set) Add(h *Handle) error {
	s.mu.Lock()
	if existing, ok := s.tasks[h.Key]; ok && !existing.Finished() {
		s.mu.Unlock()
		return ErrTaskExists
	}
	s.tasks[h.Key] = h
	s.mu.Unlock()

	go s.reap(h)
	return nil
}

// reap removes h once it finishes, unless the key was reassigned.
func (s *Set) reap(h *Handle) {
	<-h.Done()

	s.mu.Lock()
	current, ok := s.tasks[h.Key]
	removed := ok && current == h
	if removed {
		delete(s.tasks, h.Key)
	}
	s.mu.Unlock()

	if removed && s.onReap != nil {
		s.onReap(h)
	}
}

// Get returns the handle stored under key.
func (s *Set) Get(key string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[key]
	return h, ok
}

// HasLive reports whether an unfinished task holds key.
func (s *Set) HasLive(key string) bool {
	h, ok := s.Get(key)
	return ok && !h.Finished()
}

// Remove deletes the entry for key if it is still h.
func (s *Set) Remove(key string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.tasks[key]; ok && current == h {
		delete(s.tasks, key)
	}
}

// Len returns the number of tracked handles.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Keys returns the tracked keys.
func (s *Set) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	return keys
}

// CancelAll cancels every tracked task concurrently and waits up to timeout
// for each. It empties the set and returns the per-key CancelAndWait result.
func (s *Set) CancelAll(ctx context.Context, timeout time.Duration) map[string]error {
	s.mu.Lock()
	handles := make(map[string]*Handle, len(s.tasks))
	for k, h := range s.tasks {
		handles[k] = h
	}
	s.tasks = make(map[string]*Handle)
	s.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]error, len(handles))
	)
	for key, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.CancelAndWait(ctx, timeout)
			mu.Lock()
			results[key] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
