package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Import        ImportConfig
	Database      DatabaseConfig
	Store         StoreConfig
	Observability ObservabilityConfig
	Logging       LoggingConfig
	Storage       StorageConfig
}

// ImportConfig tunes the slice, duplicate check and batch save pipeline.
type ImportConfig struct {
	BatchSize         int
	InterBatchDelay   time.Duration
	FallbackThreshold int
	FallbackFields    []string
	Delimiter         rune
	SessionIdleTTL    time.Duration
	SweepSchedule     string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// StoreConfig limits how fast the record store is written to.
// A zero RateLimitPerSecond disables client-side limiting.
type StoreConfig struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    int
	ServiceName    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Type      string
	LocalPath string
}

var defaults = map[string]any{
	"import_batch_size":           25,
	"import_inter_batch_delay":    "1s",
	"import_fallback_threshold":   5,
	"import_fallback_fields":      "date,description",
	"import_delimiter":            ",",
	"import_session_idle_ttl":     "30m",
	"import_sweep_schedule":       "@every 1m",
	"postgres_host":               "localhost",
	"postgres_port":               5469,
	"postgres_user":               "postgres",
	"postgres_password":           "postgres",
	"postgres_db":                 "slicer-dev",
	"postgres_sslmode":            "disable",
	"db_max_conns":                25,
	"db_min_conns":                5,
	"store_rate_limit_per_second": 0,
	"store_rate_limit_burst":      1,
	"metrics_enabled":             true,
	"metrics_port":                9090,
	"service_name":                "statement-slicer",
	"log_level":                   "info",
	"log_format":                  "text",
	"storage_type":                "local",
	"storage_local_path":          "./uploads",
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from an optional config file, then lets
// environment variables override individual keys.
func LoadFile(path string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	delimiter := []rune(v.GetString("import_delimiter"))
	if len(delimiter) != 1 {
		return nil, fmt.Errorf("IMPORT_DELIMITER must be a single character, got %q", v.GetString("import_delimiter"))
	}

	cfg := &Config{
		Import: ImportConfig{
			BatchSize:         v.GetInt("import_batch_size"),
			InterBatchDelay:   v.GetDuration("import_inter_batch_delay"),
			FallbackThreshold: v.GetInt("import_fallback_threshold"),
			FallbackFields:    getList(v, "import_fallback_fields"),
			Delimiter:         delimiter[0],
			SessionIdleTTL:    v.GetDuration("import_session_idle_ttl"),
			SweepSchedule:     v.GetString("import_sweep_schedule"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("postgres_host"),
			Port:     v.GetInt("postgres_port"),
			User:     v.GetString("postgres_user"),
			Password: v.GetString("postgres_password"),
			Database: v.GetString("postgres_db"),
			SSLMode:  v.GetString("postgres_sslmode"),
			MaxConns: v.GetInt("db_max_conns"),
			MinConns: v.GetInt("db_min_conns"),
		},
		Store: StoreConfig{
			RateLimitPerSecond: v.GetFloat64("store_rate_limit_per_second"),
			RateLimitBurst:     v.GetInt("store_rate_limit_burst"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: v.GetBool("metrics_enabled"),
			MetricsPort:    v.GetInt("metrics_port"),
			ServiceName:    v.GetString("service_name"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		Storage: StorageConfig{
			Type:      v.GetString("storage_type"),
			LocalPath: v.GetString("storage_local_path"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the import pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Import.BatchSize <= 0 {
		return errors.New("IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.InterBatchDelay < 0 {
		return errors.New("IMPORT_INTER_BATCH_DELAY must not be negative")
	}
	if c.Import.FallbackThreshold < 0 {
		return errors.New("IMPORT_FALLBACK_THRESHOLD must not be negative")
	}
	if c.Import.SessionIdleTTL <= 0 {
		return errors.New("IMPORT_SESSION_IDLE_TTL must be positive")
	}
	if c.Store.RateLimitPerSecond < 0 {
		return errors.New("STORE_RATE_LIMIT_PER_SECOND must not be negative")
	}
	if c.Store.RateLimitPerSecond > 0 && c.Store.RateLimitBurst <= 0 {
		return errors.New("STORE_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// getList accepts either a comma separated string (environment) or a list
// (config file).
func getList(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case string:
		parts = strings.Split(raw, ",")
	case []string:
		parts = raw
	case []any:
		for _, item := range raw {
			parts = append(parts, fmt.Sprint(item))
		}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
