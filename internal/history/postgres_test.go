package history

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_RecordRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO query_runs`).
		WithArgs(pgxmock.AnyArg(), "SELECT 1 ORDER BY 1 ASC", "hash1", pgxmock.AnyArg(),
			2, 1, 42, true, int64(1500), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.RecordRun(context.Background(), Run{
		SQL:              "SELECT 1 ORDER BY 1 ASC",
		SQLHash:          "hash1",
		Offices:          []string{"east", "west", "north"},
		Succeeded:        2,
		Failed:           1,
		RowCount:         42,
		SchemaConsistent: true,
		DurationMS:       1500,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	created := time.Now().UTC().Truncate(time.Second)
	mock.ExpectQuery(`SELECT id, sql_text, sql_hash, offices, .+ FROM query_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "sql_text", "sql_hash", "offices", "succeeded", "failed",
			"row_count", "schema_consistent", "duration_ms", "created_at",
		}).AddRow("run-1", "SELECT 1", "h", []byte(`["east","west"]`), 2, 0, 10, true, int64(900), created))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, []string{"east", "west"}, run.Offices)
	assert.Equal(t, 10, run.RowCount)
	assert.Equal(t, created, run.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, sql_text, .+ FROM query_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_FilterByHash(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM query_runs WHERE true AND sql_hash = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("hash9", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "sql_text", "sql_hash", "offices", "succeeded", "failed",
			"row_count", "schema_consistent", "duration_ms", "created_at",
		}).AddRow("r1", "SELECT 1", "hash9", []byte(`["a"]`), 1, 0, 5, true, int64(100), time.Now()))

	runs, err := s.ListRuns(context.Background(), RunFilter{SQLHash: "hash9"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PruneRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cutoff := time.Now().Add(-30 * 24 * time.Hour).UTC()
	mock.ExpectExec(`DELETE FROM query_runs WHERE created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.PruneRuns(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
