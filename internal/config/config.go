package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/engine"
)

// Config holds the full application configuration.
type Config struct {
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Query   QueryConfig   `yaml:"query" mapstructure:"query"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Vault   VaultConfig   `yaml:"vault" mapstructure:"vault"`
	Audit   AuditConfig   `yaml:"audit" mapstructure:"audit"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Saved   SavedConfig   `yaml:"saved" mapstructure:"saved"`
	Persist PersistConfig `yaml:"persist" mapstructure:"persist"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// APIConfig configures the OpenDental API endpoint shared by all offices.
type APIConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// QueryConfig configures fan-out behavior.
type QueryConfig struct {
	MaxConcurrency       int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	PerOfficeTimeoutSecs int `yaml:"per_office_timeout_secs" mapstructure:"per_office_timeout_secs"`
}

// RetryConfig configures the per-office retry policy.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// VaultConfig locates the encrypted credential file.
type VaultConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AuditConfig locates the JSONL audit trail.
type AuditConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// HistoryConfig configures the run-history backend.
type HistoryConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SavedConfig locates the saved-query library.
type SavedConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PersistConfig locates the encrypted results database and its key file.
type PersistConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	KeyPath string `yaml:"key_path" mapstructure:"key_path"`
}

// OutputConfig configures result rendering.
type OutputConfig struct {
	MaxTableRows int `yaml:"max_table_rows" mapstructure:"max_table_rows"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DataDir is where the tool keeps its state files by default.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opendental-query"
	}
	return filepath.Join(home, ".opendental-query")
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(DataDir())

	// Environment
	v.SetEnvPrefix("ODQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	dataDir := DataDir()
	v.SetDefault("api.base_url", "https://api.opendental.com/api/v1")
	v.SetDefault("api.request_timeout_ms", 30000)
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("query.max_concurrency", 10)
	v.SetDefault("query.per_office_timeout_secs", 300)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 32000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("vault.path", filepath.Join(dataDir, "vault.enc"))
	v.SetDefault("audit.path", filepath.Join(dataDir, "audit.jsonl"))
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.path", filepath.Join(dataDir, "history.db"))
	v.SetDefault("saved.path", filepath.Join(dataDir, "saved_queries.yaml"))
	v.SetDefault("persist.path", filepath.Join(dataDir, "persist.db.enc"))
	v.SetDefault("persist.key_path", filepath.Join(dataDir, "persist.key"))
	v.SetDefault("output.max_table_rows", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the loaded configuration for values the engine cannot
// work with. All problems are reported at once.
func (c *Config) Validate() error {
	var problems []string

	if !strings.HasPrefix(c.API.BaseURL, "https://") {
		problems = append(problems, "api.base_url must start with https://")
	}
	if c.Query.MaxConcurrency < 1 || c.Query.MaxConcurrency > 50 {
		problems = append(problems, "query.max_concurrency must be between 1 and 50")
	}
	if c.Query.PerOfficeTimeoutSecs < 1 {
		problems = append(problems, "query.per_office_timeout_secs must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		problems = append(problems, "retry.jitter_fraction must be between 0 and 1")
	}

	switch c.History.Driver {
	case "sqlite":
		if c.History.Path == "" {
			problems = append(problems, "history.path is required for the sqlite driver")
		}
	case "postgres":
		if c.History.DatabaseURL == "" {
			problems = append(problems, "history.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "history.driver must be sqlite or postgres")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RetryPolicy converts the configured retry settings into an engine
// policy.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialDelay:   time.Duration(c.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:     c.Retry.Multiplier,
		JitterFraction: c.Retry.JitterFraction,
	}
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutMS) * time.Millisecond
}

// PerOfficeTimeout returns the per-office wall clock budget.
func (c *Config) PerOfficeTimeout() time.Duration {
	return time.Duration(c.Query.PerOfficeTimeoutSecs) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
