// ABOUTME: Store interfaces and records for run snapshot and global profile persistence
// ABOUTME: Snapshots are located by run id, never by their file name

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSnapshot is returned when persisting an initial snapshot for a run that already has one
var ErrDuplicateSnapshot = errors.New("snapshot already exists")

// SnapshotRecord is one persisted run snapshot. Name is the human-facing
// file name; it may change on rename while RunID stays fixed.
type SnapshotRecord struct {
	RunID     string
	RunType   string
	Status    string
	ProjectID string
	Name      string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the lookup key of the record, stable across renames.
func (r *SnapshotRecord) Key() string {
	return "snapshot:" + r.RunID
}

// ProfileKind distinguishes configured templates from saved profiles.
type ProfileKind string

const (
	ProfileTemplate ProfileKind = "template"
	ProfileSaved    ProfileKind = "saved"
)

// ProfileRecord is one revision of a global agent profile.
type ProfileRecord struct {
	ID        string
	Name      string
	Kind      ProfileKind
	Revision  int
	Type      string
	Body      map[string]any
	Active    bool
	CreatedAt time.Time
}

// SnapshotStore persists run snapshots.
type SnapshotStore interface {
	// FindSnapshotByRunID returns the key LoadSnapshot accepts.
	FindSnapshotByRunID(ctx context.Context, runID string) (string, error)
	LoadSnapshot(ctx context.Context, key string) (*SnapshotRecord, error)
	PersistInitialSnapshot(ctx context.Context, rec *SnapshotRecord) error
	SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error
	RenameSnapshot(ctx context.Context, runID, name string) error
	ListSnapshots(ctx context.Context, projectID string, limit int) ([]*SnapshotRecord, error)
}

// ProfileStore persists global agent profiles.
type ProfileStore interface {
	GetActiveByName(ctx context.Context, name string) (*ProfileRecord, error)
	GetGlobalTemplate(ctx context.Context, name string) (*ProfileRecord, error)
	SaveProfile(ctx context.Context, kind ProfileKind, name, profileType string, body map[string]any) (*ProfileRecord, error)
}

// Store is everything the gateway persists.
type Store interface {
	SnapshotStore
	ProfileStore
	Close() error
}
