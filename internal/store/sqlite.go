// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides run snapshot and profile revision persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS run_snapshots (
			run_id     TEXT PRIMARY KEY,
			run_type   TEXT NOT NULL,
			status     TEXT NOT NULL,
			project_id TEXT,
			name       TEXT NOT NULL,
			data       BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_run_snapshots_project ON run_snapshots(project_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS profiles (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			kind       TEXT NOT NULL,
			revision   INTEGER NOT NULL,
			type       TEXT,
			body_json  TEXT NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,

			UNIQUE(kind, name, revision),
			CHECK (kind IN ('template', 'saved'))
		);

		CREATE INDEX IF NOT EXISTS idx_profiles_active ON profiles(kind, name, active);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('run_snapshots') WHERE name = 'project_id'`,
			apply:  `ALTER TABLE run_snapshots ADD COLUMN project_id TEXT`,
			table:  "run_snapshots",
			column: "project_id",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FindSnapshotByRunID returns the lookup key of the run's snapshot.
// Returns ErrNotFound if the run was never persisted.
func (s *SQLiteStore) FindSnapshotByRunID(ctx context.Context, runID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM run_snapshots WHERE run_id = ?`, runID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying snapshot: %w", err)
	}
	rec := SnapshotRecord{RunID: id}
	return rec.Key(), nil
}

// LoadSnapshot reads the snapshot stored under key.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, key string) (*SnapshotRecord, error) {
	runID, ok := strings.CutPrefix(key, "snapshot:")
	if !ok {
		return nil, fmt.Errorf("malformed snapshot key %q: %w", key, ErrNotFound)
	}

	query := `
		SELECT run_id, run_type, status, project_id, name, data, created_at, updated_at
		FROM run_snapshots
		WHERE run_id = ?
	`
	rec, err := scanSnapshot(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	var projectID sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&rec.RunID,
		&rec.RunType,
		&rec.Status,
		&projectID,
		&rec.Name,
		&rec.Data,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}
	rec.ProjectID = projectID.String

	var err error
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

// PersistInitialSnapshot stores the first snapshot of a new run.
// Returns ErrDuplicateSnapshot if the run already has one.
func (s *SQLiteStore) PersistInitialSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Name == "" {
		rec.Name = rec.RunID + ".json"
	}

	query := `
		INSERT INTO run_snapshots (run_id, run_type, status, project_id, name, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.RunType,
		rec.Status,
		nullString(rec.ProjectID),
		rec.Name,
		rec.Data,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSnapshot
		}
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	s.logger.Debug("persisted initial snapshot", "run_id", rec.RunID, "run_type", rec.RunType)
	return nil
}

// SaveSnapshot replaces the data and status of an existing snapshot.
// Returns ErrNotFound if the run was never persisted.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_snapshots SET status = ?, data = ?, updated_at = ? WHERE run_id = ?`,
		rec.Status,
		rec.Data,
		rec.UpdatedAt.Format(time.RFC3339Nano),
		rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("updating snapshot: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameSnapshot changes the display name of a run's snapshot.
func (s *SQLiteStore) RenameSnapshot(ctx context.Context, runID, name string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_snapshots SET name = ?, updated_at = ? WHERE run_id = ?`,
		name,
		time.Now().UTC().Format(time.RFC3339Nano),
		runID,
	)
	if err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSnapshots returns the most recently updated snapshots, optionally
// filtered by project. A limit of zero or less returns every row.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, projectID string, limit int) ([]*SnapshotRecord, error) {
	query := `
		SELECT run_id, run_type, status, project_id, name, data, created_at, updated_at
		FROM run_snapshots
	`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return out, nil
}

// GetActiveByName returns the active saved profile with the given name.
func (s *SQLiteStore) GetActiveByName(ctx context.Context, name string) (*ProfileRecord, error) {
	return s.activeProfile(ctx, ProfileSaved, name)
}

// GetGlobalTemplate returns the active configured template with the given name.
func (s *SQLiteStore) GetGlobalTemplate(ctx context.Context, name string) (*ProfileRecord, error) {
	return s.activeProfile(ctx, ProfileTemplate, name)
}

func (s *SQLiteStore) activeProfile(ctx context.Context, kind ProfileKind, name string) (*ProfileRecord, error) {
	query := `
		SELECT id, name, kind, revision, type, body_json, active, created_at
		FROM profiles
		WHERE kind = ? AND name = ? AND active = 1
		ORDER BY revision DESC
		LIMIT 1
	`
	var rec ProfileRecord
	var kindStr, bodyJSON, createdAtStr string
	var profileType sql.NullString
	var active int

	err := s.db.QueryRowContext(ctx, query, string(kind), name).Scan(
		&rec.ID,
		&rec.Name,
		&kindStr,
		&rec.Revision,
		&profileType,
		&bodyJSON,
		&active,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	rec.Kind = ProfileKind(kindStr)
	rec.Type = profileType.String
	rec.Active = active == 1
	if err := json.Unmarshal([]byte(bodyJSON), &rec.Body); err != nil {
		return nil, fmt.Errorf("decoding profile body: %w", err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}

// SaveProfile appends a new active revision of a profile and deactivates
// the previous one in a single transaction.
func (s *SQLiteStore) SaveProfile(ctx context.Context, kind ProfileKind, name, profileType string, body map[string]any) (*ProfileRecord, error) {
	if body == nil {
		body = map[string]any{}
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding profile body: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(revision) FROM profiles WHERE kind = ? AND name = ?`,
		string(kind), name,
	).Scan(&latest); err != nil {
		return nil, fmt.Errorf("querying latest revision: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET active = 0 WHERE kind = ? AND name = ? AND active = 1`,
		string(kind), name,
	); err != nil {
		return nil, fmt.Errorf("deactivating previous revision: %w", err)
	}

	rec := &ProfileRecord{
		ID:        uuid.New().String(),
		Name:      name,
		Kind:      kind,
		Revision:  int(latest.Int64) + 1,
		Type:      profileType,
		Body:      body,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (id, name, kind, revision, type, body_json, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`,
		rec.ID,
		rec.Name,
		string(rec.Kind),
		rec.Revision,
		nullString(rec.Type),
		string(bodyJSON),
		rec.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("inserting profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing profile: %w", err)
	}
	s.logger.Debug("saved profile revision", "name", name, "kind", kind, "revision", rec.Revision)
	return rec, nil
}
