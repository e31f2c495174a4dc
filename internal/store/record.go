// ABOUTME: Conversion between live run contexts and persisted snapshot records
// ABOUTME: Shared by the orchestrator and flow runners so both persist the same shape

package store

import (
	"fmt"

	"github.com/2389/coven-runs/internal/run"
)

// RecordFromRun captures c as a snapshot record ready to persist.
func RecordFromRun(c *run.Context) (*SnapshotRecord, error) {
	data, err := c.MarshalSnapshot()
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	meta := c.Meta()
	return &SnapshotRecord{
		RunID:     meta.RunID,
		RunType:   meta.RunType,
		Status:    string(meta.Status),
		ProjectID: meta.ProjectID,
		Name:      meta.SourcePath,
		Data:      data,
		CreatedAt: meta.CreatedAt,
	}, nil
}

// RunFromRecord rebuilds a run context from a loaded record.
func RunFromRecord(rec *SnapshotRecord) (*run.Context, error) {
	c, err := run.UnmarshalSnapshot(rec.Data)
	if err != nil {
		return nil, err
	}
	if c.ID() != rec.RunID {
		return nil, fmt.Errorf("%w: record for %s holds run %s", run.ErrInvalidSnapshot, rec.RunID, c.ID())
	}
	return c, nil
}
