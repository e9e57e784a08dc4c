package config

import (
	"os"
	"path/filepath"
	"testing"

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
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "text-embedding-004", cfg.Gemini.EmbeddingModel)
	assert.Equal(t, 768, cfg.Gemini.Dimension)
	assert.Equal(t, 100, cfg.Gemini.MaxBatchSize)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
	assert.InDelta(t, 0.75, cfg.Pipeline.SimilarityThreshold, 0.001)
	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.Equal(t, 3, cfg.Pipeline.EmbedMaxAttempts)
	assert.Equal(t, 2, cfg.Pipeline.FallbackMaxRetries)
	assert.Equal(t, 5, cfg.Batch.MaxConcurrency)
	assert.Equal(t, 100, cfg.Batch.DefaultLimit)
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
pipeline:
  similarity_threshold: 0.8
batch:
  max_concurrency: 10
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.8, cfg.Pipeline.SimilarityThreshold, 0.001)
	assert.Equal(t, 10, cfg.Batch.MaxConcurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Pipeline.TopK)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("EMISSIONS_STORE_DRIVER", "postgres")
	t.Setenv("EMISSIONS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("EMISSIONS_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
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

// validResolution returns a Config that passes resolution validation.
func validResolution() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/emissions"
	cfg.Gemini.Key = "gm-key"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Pipeline.SimilarityThreshold = 0.75
	cfg.Pipeline.TopK = 5
	cfg.Batch.MaxConcurrency = 5
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateResolution_AllPresent(t *testing.T) {
	assert.NoError(t, validResolution().Validate("resolution"))
}

func TestValidateResolution_MissingFields(t *testing.T) {
	cfg := validResolution()
	cfg.Store.DatabaseURL = ""
	cfg.Gemini.Key = ""
	cfg.Anthropic.Key = ""

	err := cfg.Validate("resolution")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "gemini.key is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateResolution_SQLiteNeedsNoURL(t *testing.T) {
	cfg := validResolution()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = ""

	assert.NoError(t, cfg.Validate("resolution"))
}

func TestValidateResolution_ThresholdBounds(t *testing.T) {
	cfg := validResolution()

	cfg.Pipeline.SimilarityThreshold = -0.1
	err := cfg.Validate("resolution")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "similarity_threshold")

	cfg.Pipeline.SimilarityThreshold = 1.1
	assert.Error(t, cfg.Validate("resolution"))

	cfg.Pipeline.SimilarityThreshold = 1.0
	assert.NoError(t, cfg.Validate("resolution"))
}

func TestValidateResolution_ConcurrencyBounds(t *testing.T) {
	cfg := validResolution()

	cfg.Batch.MaxConcurrency = 0
	err := cfg.Validate("resolution")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrency must be between 1 and 50")

	cfg.Batch.MaxConcurrency = 51
	assert.Error(t, cfg.Validate("resolution"))

	cfg.Batch.MaxConcurrency = 50
	assert.NoError(t, cfg.Validate("resolution"))
}

func TestValidateStore_BadDriver(t *testing.T) {
	cfg := validResolution()
	cfg.Store.Driver = "oracle"

	err := cfg.Validate("store")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validResolution().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
