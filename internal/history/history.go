// Package history persists one record per fan-out query run so past work
// can be inspected and re-run. Two backends are available: an embedded
// SQLite file for single-user installs and PostgreSQL for teams sharing a
// history server.
package history

import (
	"context"
	"time"
)

// Run is one recorded query execution. SQL is stored verbatim so a run
// can be replayed; SQLHash is its sha256 for cross-referencing the audit
// trail.
type Run struct {
	ID               string    `json:"id"`
	SQL              string    `json:"sql"`
	SQLHash          string    `json:"sql_hash"`
	Offices          []string  `json:"offices"`
	Succeeded        int       `json:"succeeded"`
	Failed           int       `json:"failed"`
	RowCount         int       `json:"row_count"`
	SchemaConsistent bool      `json:"schema_consistent"`
	DurationMS       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	SQLHash string `json:"sql_hash,omitempty"`
	Since   time.Time
	Limit   int `json:"limit,omitempty"`
	Offset  int `json:"offset,omitempty"`
}

// Store defines the persistence interface for run history.
type Store interface {
	RecordRun(ctx context.Context, run Run) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	PruneRuns(ctx context.Context, olderThan time.Time) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}
