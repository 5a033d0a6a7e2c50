package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Import.BatchSize)
	assert.Equal(t, time.Second, cfg.Import.InterBatchDelay)
	assert.Equal(t, 5, cfg.Import.FallbackThreshold)
	assert.Equal(t, []string{"date", "description"}, cfg.Import.FallbackFields)
	assert.Equal(t, ',', cfg.Import.Delimiter)
	assert.Equal(t, 30*time.Minute, cfg.Import.SessionIdleTTL)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, float64(0), cfg.Store.RateLimitPerSecond)
	assert.Equal(t, "statement-slicer", cfg.Observability.ServiceName)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("IMPORT_BATCH_SIZE", "10")
	t.Setenv("IMPORT_INTER_BATCH_DELAY", "250ms")
	t.Setenv("IMPORT_FALLBACK_FIELDS", "posted, memo ,")
	t.Setenv("IMPORT_DELIMITER", ";")
	t.Setenv("POSTGRES_DB", "slicer-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Import.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Import.InterBatchDelay)
	assert.Equal(t, []string{"posted", "memo"}, cfg.Import.FallbackFields)
	assert.Equal(t, ';', cfg.Import.Delimiter)
	assert.Contains(t, cfg.Database.DSN(), "dbname=slicer-test")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero batch size", "IMPORT_BATCH_SIZE", "0"},
		{"multi-char delimiter", "IMPORT_DELIMITER", ";;"},
		{"unknown log format", "LOG_FORMAT", "xml"},
		{"negative rate", "STORE_RATE_LIMIT_PER_SECOND", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slicer.toml")
	content := `import_batch_size = 40
import_fallback_fields = ["booked", "narrative"]
log_format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Import.BatchSize)
	assert.Equal(t, []string{"booked", "narrative"}, cfg.Import.FallbackFields)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
