package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/config"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/vault"
)

func setTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg = &config.Config{
		Vault:   config.VaultConfig{Path: filepath.Join(dir, "vault.enc")},
		Audit:   config.AuditConfig{Path: filepath.Join(dir, "audit.jsonl")},
		History: config.HistoryConfig{Driver: "sqlite", Path: filepath.Join(dir, "history.db")},
		Saved:   config.SavedConfig{Path: filepath.Join(dir, "queries.yaml")},
	}
	return dir
}

func TestResolveSQL_RequiresExactlyOneSource(t *testing.T) {
	setTestConfig(t)

	_, err := resolveSQL("", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")

	_, err = resolveSQL("SELECT 1", "query.sql", "")
	require.Error(t, err)
}

func TestResolveSQL_FromFlag(t *testing.T) {
	setTestConfig(t)

	sql, err := resolveSQL("SELECT PatNum FROM patient", "", "")
	require.NoError(t, err)
	assert.Equal(t, "SELECT PatNum FROM patient", sql)
}

func TestResolveSQL_FromFile(t *testing.T) {
	dir := setTestConfig(t)

	path := filepath.Join(dir, "query.sql")
	require.NoError(t, os.WriteFile(path, []byte("SELECT 1"), 0o600))

	sql, err := resolveSQL("", path, "")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", sql)
}

func TestResolveOffices(t *testing.T) {
	setTestConfig(t)

	v := vault.New(cfg.Vault.Path)
	require.NoError(t, v.Init("Test-Password-99", "dev"))
	require.NoError(t, v.AddOffice("east", "k1"))
	require.NoError(t, v.AddOffice("west", "k2"))

	// Default: every stored office, sorted.
	ids, err := resolveOffices(v, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.OfficeID{"east", "west"}, ids)

	// Explicit subset.
	ids, err = resolveOffices(v, []string{"west"})
	require.NoError(t, err)
	assert.Equal(t, []model.OfficeID{"west"}, ids)

	// Unknown office is rejected before any network traffic.
	_, err = resolveOffices(v, []string{"north"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `office "north"`)

	// "all" behaves like no flag.
	ids, err = resolveOffices(v, []string{"all"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSQLHash_Deterministic(t *testing.T) {
	a := sqlHash("SELECT 1")
	b := sqlHash("SELECT 1")
	c := sqlHash("SELECT 2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "SELECT 1", firstLine("SELECT 1", 60))
	assert.Equal(t, "SELECT a, b FROM t", firstLine("SELECT a,\n  b\nFROM t", 60))

	long := firstLine("SELECT something_very_long FROM a_table WHERE x = 1 AND y = 2", 20)
	assert.Len(t, long, 20)
	assert.Contains(t, long, "...")
}
