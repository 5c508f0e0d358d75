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
	t.Cleanup(func() { _ = os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 0.985, cfg.Dedup.NameThreshold, 0.0001)
	assert.InDelta(t, 0.95, cfg.Dedup.DescriptionThreshold, 0.0001)
	assert.InDelta(t, 0.85, cfg.Dedup.FuzzyNameThreshold, 0.0001)
	assert.Equal(t, 30*time.Minute, cfg.Dedup.FuzzyWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.Idempotency.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Idempotency.MaxWait)
	assert.Equal(t, time.Minute, cfg.Registry.CacheTTL)
	assert.Equal(t, time.Hour, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.Parallelism)
	assert.Equal(t, "https://places.googleapis.com/v1", cfg.Places.BaseURL)
	assert.InDelta(t, 42.383971, cfg.Places.BiasLat, 0.0001)
	assert.Equal(t, "gpt-4o-mini", cfg.Extract.Model)
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: events.db
log:
  level: debug
  format: console
sync:
  interval: 15m
feeds:
  - name: somerville_arts
    url: https://feeds.example.com/somerville-arts.json
    confidence: 0.9
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "events.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "somerville_arts", cfg.Feeds[0].Name)
	assert.InDelta(t, 0.9, cfg.Feeds[0].Confidence, 0.0001)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
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

	t.Setenv("EVENTLINE_STORE_DRIVER", "postgres")
	t.Setenv("EVENTLINE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidateStore(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")

	cfg.Store.DatabaseURL = "postgres://localhost/eventline"
	assert.NoError(t, cfg.Validate("store"))

	cfg = &Config{}
	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidateServe(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract.key")

	cfg.Extract.Key = "sk-test"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())

	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}
