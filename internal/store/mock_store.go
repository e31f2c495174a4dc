// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	snapshots map[string]*SnapshotRecord  // keyed by run ID
	profiles  map[string][]*ProfileRecord // keyed by "kind:name", oldest revision first

	// PersistErr, when set, is returned by PersistInitialSnapshot.
	PersistErr error
	// SaveErr, when set, is returned by SaveSnapshot.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		snapshots: make(map[string]*SnapshotRecord),
		profiles:  make(map[string][]*ProfileRecord),
	}
}

func copySnapshot(rec *SnapshotRecord) *SnapshotRecord {
	c := *rec
	c.Data = append([]byte(nil), rec.Data...)
	return &c
}

// FindSnapshotByRunID returns the key of a stored snapshot.
func (m *MockStore) FindSnapshotByRunID(ctx context.Context, runID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.snapshots[runID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.Key(), nil
}

// LoadSnapshot returns a copy of the stored snapshot.
func (m *MockStore) LoadSnapshot(ctx context.Context, key string) (*SnapshotRecord, error) {
	runID, ok := strings.CutPrefix(key, "snapshot:")
	if !ok {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.snapshots[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(rec), nil
}

// PersistInitialSnapshot stores a new snapshot.
func (m *MockStore) PersistInitialSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PersistErr != nil {
		return m.PersistErr
	}
	if _, ok := m.snapshots[rec.RunID]; ok {
		return ErrDuplicateSnapshot
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Name == "" {
		rec.Name = rec.RunID + ".json"
	}
	m.snapshots[rec.RunID] = copySnapshot(rec)
	return nil
}

// SaveSnapshot replaces an existing snapshot's data and status.
func (m *MockStore) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	existing, ok := m.snapshots[rec.RunID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = rec.Status
	existing.Data = append([]byte(nil), rec.Data...)
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// PutSnapshot stores raw snapshot bytes directly, for seeding tests.
func (m *MockStore) PutSnapshot(rec *SnapshotRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[rec.RunID] = copySnapshot(rec)
}

// RenameSnapshot changes a snapshot's display name.
func (m *MockStore) RenameSnapshot(ctx context.Context, runID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.snapshots[runID]
	if !ok {
		return ErrNotFound
	}
	rec.Name = name
	return nil
}

// ListSnapshots returns snapshots, most recently updated first.
func (m *MockStore) ListSnapshots(ctx context.Context, projectID string, limit int) ([]*SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SnapshotRecord
	for _, rec := range m.snapshots {
		if projectID != "" && rec.ProjectID != projectID {
			continue
		}
		out = append(out, copySnapshot(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) activeProfile(kind ProfileKind, name string) (*ProfileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revs := m.profiles[string(kind)+":"+name]
	for i := len(revs) - 1; i >= 0; i-- {
		if revs[i].Active {
			c := *revs[i]
			c.Body = maps.Clone(c.Body)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// GetActiveByName returns the active saved profile.
func (m *MockStore) GetActiveByName(ctx context.Context, name string) (*ProfileRecord, error) {
	return m.activeProfile(ProfileSaved, name)
}

// GetGlobalTemplate returns the active template.
func (m *MockStore) GetGlobalTemplate(ctx context.Context, name string) (*ProfileRecord, error) {
	return m.activeProfile(ProfileTemplate, name)
}

// SaveProfile appends an active revision and deactivates the previous one.
func (m *MockStore) SaveProfile(ctx context.Context, kind ProfileKind, name, profileType string, body map[string]any) (*ProfileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(kind) + ":" + name
	revs := m.profiles[key]
	for _, r := range revs {
		r.Active = false
	}
	rec := &ProfileRecord{
		ID:        uuid.New().String(),
		Name:      name,
		Kind:      kind,
		Revision:  len(revs) + 1,
		Type:      profileType,
		Body:      maps.Clone(body),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	m.profiles[key] = append(revs, rec)
	c := *rec
	c.Body = maps.Clone(rec.Body)
	return &c, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
