// ABOUTME: Run-scoped configuration store holding immutable agent profile revisions
// ABOUTME: Every mutation appends a revision and deactivates the prior active one

package run

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrProfileExists is returned when creating or renaming onto an active name.
	ErrProfileExists = errors.New("an active profile with this name already exists")
	// ErrProfileNotFound is returned when no active revision carries the name.
	ErrProfileNotFound = errors.New("no active profile with this name")
)

// Profile is one immutable revision of a named agent profile.
type Profile struct {
	ProfileID  string         `json:"profile_id"`
	Name       string         `json:"name"`
	Revision   int            `json:"revision"`
	Type       string         `json:"type,omitempty"`
	Body       map[string]any `json:"body"`
	Active     bool           `json:"active"`
	Disabled   bool           `json:"disabled,omitempty"`
	PreviousID string         `json:"previous_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (p Profile) clone() Profile {
	p.Body = maps.Clone(p.Body)
	return p
}

// ConfigStore is the run's mutable configuration: the full revision history
// of its profiles. Only the Active flag of a stored revision ever changes.
type ConfigStore struct {
	mu        sync.Mutex
	revisions []Profile
}

// NewConfigStore creates an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

func newRevision(name, profileType string, body map[string]any, revision int, previousID string) Profile {
	return Profile{
		ProfileID:  uuid.New().String(),
		Name:       name,
		Revision:   revision,
		Type:       profileType,
		Body:       maps.Clone(body),
		Active:     true,
		PreviousID: previousID,
		CreatedAt:  time.Now().UTC(),
	}
}

// activeIndexLocked returns the index of the active revision named name, or -1.
func (c *ConfigStore) activeIndexLocked(name string) int {
	for i := len(c.revisions) - 1; i >= 0; i-- {
		if c.revisions[i].Name == name && c.revisions[i].Active {
			return i
		}
	}
	return -1
}

func (c *ConfigStore) latestRevisionLocked(name string) int {
	latest := 0
	for _, p := range c.revisions {
		if p.Name == name && p.Revision > latest {
			latest = p.Revision
		}
	}
	return latest
}

// Seed stores p as the active revision for its name, used when a run is
// created from global templates.
func (c *ConfigStore) Seed(p Profile) Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.activeIndexLocked(p.Name); idx >= 0 {
		c.revisions[idx].Active = false
	}
	rev := newRevision(p.Name, p.Type, p.Body, c.latestRevisionLocked(p.Name)+1, "")
	c.revisions = append(c.revisions, rev)
	return rev.clone()
}

// Create adds the first active revision of a new profile name.
func (c *ConfigStore) Create(name, profileType string, body map[string]any) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeIndexLocked(name) >= 0 {
		return Profile{}, fmt.Errorf("creating profile %q: %w", name, ErrProfileExists)
	}
	rev := newRevision(name, profileType, body, c.latestRevisionLocked(name)+1, "")
	c.revisions = append(c.revisions, rev)
	return rev.clone(), nil
}

// Update appends a revision with a new body and deactivates the previous one.
func (c *ConfigStore) Update(name string, body map[string]any) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.activeIndexLocked(name)
	if idx < 0 {
		return Profile{}, fmt.Errorf("updating profile %q: %w", name, ErrProfileNotFound)
	}
	prev := c.revisions[idx]
	c.revisions[idx].Active = false
	rev := newRevision(name, prev.Type, body, prev.Revision+1, prev.ProfileID)
	c.revisions = append(c.revisions, rev)
	return rev.clone(), nil
}

// Disable appends an inactive, disabled revision so the name has no active
// profile while its history is kept.
func (c *ConfigStore) Disable(name string) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.activeIndexLocked(name)
	if idx < 0 {
		return Profile{}, fmt.Errorf("disabling profile %q: %w", name, ErrProfileNotFound)
	}
	prev := c.revisions[idx]
	c.revisions[idx].Active = false
	rev := newRevision(name, prev.Type, prev.Body, prev.Revision+1, prev.ProfileID)
	rev.Active = false
	rev.Disabled = true
	c.revisions = append(c.revisions, rev)
	return rev.clone(), nil
}

// Rename appends the active profile under newName and deactivates the old name.
func (c *ConfigStore) Rename(name, newName string) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.activeIndexLocked(name)
	if idx < 0 {
		return Profile{}, fmt.Errorf("renaming profile %q: %w", name, ErrProfileNotFound)
	}
	if c.activeIndexLocked(newName) >= 0 {
		return Profile{}, fmt.Errorf("renaming profile %q to %q: %w", name, newName, ErrProfileExists)
	}
	prev := c.revisions[idx]
	c.revisions[idx].Active = false
	rev := newRevision(newName, prev.Type, prev.Body, c.latestRevisionLocked(newName)+1, prev.ProfileID)
	c.revisions = append(c.revisions, rev)
	return rev.clone(), nil
}

// Active returns the active revision of every profile, in creation order.
func (c *ConfigStore) Active() []Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Profile
	for _, p := range c.revisions {
		if p.Active {
			out = append(out, p.clone())
		}
	}
	return out
}

// ActiveByName returns the active revision named name.
func (c *ConfigStore) ActiveByName(name string) (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.activeIndexLocked(name)
	if idx < 0 {
		return Profile{}, false
	}
	return c.revisions[idx].clone(), true
}

// Revisions returns the full history, oldest first.
func (c *ConfigStore) Revisions() []Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Profile, len(c.revisions))
	for i, p := range c.revisions {
		out[i] = p.clone()
	}
	return out
}

func (c *ConfigStore) restore(revisions []Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revisions = make([]Profile, len(revisions))
	for i, p := range revisions {
		c.revisions[i] = p.clone()
	}
}
