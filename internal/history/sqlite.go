package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS query_runs (
	id                TEXT PRIMARY KEY,
	sql_text          TEXT NOT NULL,
	sql_hash          TEXT NOT NULL,
	offices           TEXT NOT NULL,
	succeeded         INTEGER NOT NULL,
	failed            INTEGER NOT NULL,
	row_count         INTEGER NOT NULL,
	schema_consistent INTEGER NOT NULL DEFAULT 1,
	duration_ms       INTEGER NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_query_runs_sql_hash ON query_runs(sql_hash);
CREATE INDEX IF NOT EXISTS idx_query_runs_created_at ON query_runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) (*Run, error) {
	run.ID = uuid.New().String()
	run.CreatedAt = time.Now().UTC()

	officesJSON, err := json.Marshal(run.Offices)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal offices")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_runs
		 (id, sql_text, sql_hash, offices, succeeded, failed, row_count, schema_consistent, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SQL, run.SQLHash, string(officesJSON),
		run.Succeeded, run.Failed, run.RowCount, run.SchemaConsistent,
		run.DurationMS, run.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sql_text, sql_hash, offices, succeeded, failed, row_count, schema_consistent, duration_ms, created_at
		 FROM query_runs WHERE id = ?`,
		runID,
	)

	var r Run
	var officesJSON string
	err := row.Scan(&r.ID, &r.SQL, &r.SQLHash, &officesJSON,
		&r.Succeeded, &r.Failed, &r.RowCount, &r.SchemaConsistent,
		&r.DurationMS, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(officesJSON), &r.Offices); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal offices")
	}
	return &r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, sql_text, sql_hash, offices, succeeded, failed, row_count, schema_consistent, duration_ms, created_at
	          FROM query_runs WHERE 1=1`
	var args []any

	if filter.SQLHash != "" {
		query += ` AND sql_hash = ?`
		args = append(args, filter.SQLHash)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var officesJSON string
		if err := rows.Scan(&r.ID, &r.SQL, &r.SQLHash, &officesJSON,
			&r.Succeeded, &r.Failed, &r.RowCount, &r.SchemaConsistent,
			&r.DurationMS, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if err := json.Unmarshal([]byte(officesJSON), &r.Offices); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal offices")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) PruneRuns(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_runs WHERE created_at < ?`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune runs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}
