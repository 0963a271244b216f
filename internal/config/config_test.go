package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chtemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	// Keep a config.yaml in the user's data dir from leaking in.
	t.Setenv("HOME", dir)
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.opendental.com/api/v1", cfg.API.BaseURL)
	assert.Equal(t, 30000, cfg.API.RequestTimeoutMS)
	assert.InDelta(t, 10.0, cfg.API.RateLimit, 0.001)
	assert.Equal(t, 10, cfg.Query.MaxConcurrency)
	assert.Equal(t, 300, cfg.Query.PerOfficeTimeoutSecs)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.Retry.InitialDelayMS)
	assert.Equal(t, 32000, cfg.Retry.MaxDelayMS)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 0.001)
	assert.Equal(t, "sqlite", cfg.History.Driver)
	assert.Equal(t, 1000, cfg.Output.MaxTableRows)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NotEmpty(t, cfg.Vault.Path)
	assert.NotEmpty(t, cfg.Audit.Path)
	assert.NotEmpty(t, cfg.Saved.Path)
	assert.NotEmpty(t, cfg.Persist.Path)
	assert.NotEmpty(t, cfg.Persist.KeyPath)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
api:
  base_url: https://od.example.com/api/v1
query:
  max_concurrency: 4
history:
  driver: postgres
  database_url: postgres://localhost/odq
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://od.example.com/api/v1", cfg.API.BaseURL)
	assert.Equal(t, 4, cfg.Query.MaxConcurrency)
	assert.Equal(t, "postgres", cfg.History.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chtemp(t)

	yaml := `
query:
  max_concurrency: 4
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("ODQ_QUERY_MAX_CONCURRENCY", "7")
	t.Setenv("ODQ_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, 7, cfg.Query.MaxConcurrency)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{}
	cfg.API.RequestTimeoutMS = 1500
	cfg.Query.PerOfficeTimeoutSecs = 120
	cfg.Retry = RetryConfig{
		MaxAttempts:    3,
		InitialDelayMS: 500,
		MaxDelayMS:     8000,
		Multiplier:     2,
		JitterFraction: 0.1,
	}

	assert.Equal(t, 1500*time.Millisecond, cfg.RequestTimeout())
	assert.Equal(t, 2*time.Minute, cfg.PerOfficeTimeout())

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.InitialDelay)
	assert.Equal(t, 8*time.Second, policy.MaxDelay)
}

func validConfig() *Config {
	return &Config{
		API:     APIConfig{BaseURL: "https://api.opendental.com/api/v1", RequestTimeoutMS: 30000, RateLimit: 10},
		Query:   QueryConfig{MaxConcurrency: 10, PerOfficeTimeoutSecs: 300},
		Retry:   RetryConfig{MaxAttempts: 5, InitialDelayMS: 1000, MaxDelayMS: 32000, Multiplier: 2, JitterFraction: 0.25},
		History: HistoryConfig{Driver: "sqlite", Path: "history.db"},
	}
}

func TestValidate_RejectsInsecureBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.API.BaseURL = "http://api.opendental.com"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url")
}

func TestValidate_ConcurrencyBounds(t *testing.T) {
	cfg := validConfig()

	cfg.Query.MaxConcurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrency must be between 1 and 50")

	cfg.Query.MaxConcurrency = 51
	assert.Error(t, cfg.Validate())

	cfg.Query.MaxConcurrency = 50
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RetryBounds(t *testing.T) {
	cfg := validConfig()

	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg.Retry.MaxAttempts = 5
	cfg.Retry.Multiplier = 0.5
	assert.Error(t, cfg.Validate())

	cfg.Retry.Multiplier = 2
	cfg.Retry.JitterFraction = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jitter_fraction")
}

func TestValidate_HistoryDriver(t *testing.T) {
	cfg := validConfig()

	cfg.History = HistoryConfig{Driver: "postgres"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history.database_url is required")

	cfg.History = HistoryConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/odq"}
	assert.NoError(t, cfg.Validate())

	cfg.History = HistoryConfig{Driver: "mysql"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be sqlite or postgres")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.API.BaseURL = "ftp://bad"
	cfg.Query.MaxConcurrency = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url")
	assert.Contains(t, err.Error(), "max_concurrency")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
