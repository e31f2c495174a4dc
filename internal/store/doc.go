// Package store provides persistent storage for run snapshots and global
// agent profiles using SQLite.
//
// # Architecture
//
// Two narrow interfaces are consumed by the orchestrator:
//
//   - SnapshotStore: find a snapshot by run id, load it, persist the initial
//     snapshot of a new run, and save later snapshots
//   - ProfileStore: look up the active saved profile or configured template
//     for a profile name
//
// SQLiteStore implements both, and MockStore provides the same behaviour in
// memory for tests.
//
// # Snapshot Lookup
//
// A snapshot is always located through its run id. The record's Name is a
// display name that can be changed with RenameSnapshot without breaking
// resume.
//
// # Profile Revisions
//
// Profiles are never edited in place. SaveProfile appends a new revision and
// deactivates the previous active revision of the same kind and name inside
// one transaction.
//
// # Thread Safety
//
// SQLiteStore relies on database/sql connection pooling and WAL mode.
// MockStore guards its maps with a mutex.
package store
