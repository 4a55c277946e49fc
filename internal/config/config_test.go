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

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Orchestrator.AutoAdvance)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.BaseDelay)
	assert.Equal(t, 8, cfg.Orchestrator.SchedulerWorkers)
	assert.Equal(t, 256, cfg.Orchestrator.SchedulerQueueSize)
	assert.Equal(t, 5, cfg.Batch.MaxConcurrentJobs)
	assert.Equal(t, int64(4), cfg.RateLimit.Defaults.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Defaults.AcquireTimeout)
	assert.Equal(t, "https://api.extractor.forkline.dev/v1", cfg.Webscrape.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Webscrape.PollInterval)
	assert.Equal(t, 50, cfg.Webscrape.MaxLeadsPerCall)
	assert.Equal(t, 5*time.Second, cfg.Automation.PollInterval)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Creative.Model)
	assert.Equal(t, 2048, cfg.Creative.MaxTokens)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
orchestrator:
  auto_advance: false
  max_attempts: 5
  base_delay: 250ms
batch:
  max_concurrent_jobs: 10
rate_limit:
  resources:
    webscrape:
      concurrency: 2
      rps: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Orchestrator.AutoAdvance)
	assert.Equal(t, 5, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.BaseDelay)
	assert.Equal(t, 10, cfg.Batch.MaxConcurrentJobs)
	require.Contains(t, cfg.RateLimit.Resources, "webscrape")
	assert.Equal(t, int64(2), cfg.RateLimit.Resources["webscrape"].Concurrency)
	assert.InDelta(t, 3.0, cfg.RateLimit.Resources["webscrape"].RPS, 0.001)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))

	err := InitLogger(LogConfig{Level: "not-a-level", Format: "json"})
	require.Error(t, err)
}
