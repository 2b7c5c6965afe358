package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
general:
  instance_id: test-1
  environment: staging
  log_level: debug

engine:
  max_concurrent_strategies: 4
  delegate_timeout_ms: 1500

processor:
  resolution: risk_adjusted
  max_signals_per_symbol: 2
  dedup_enabled: true
  aggregation_window_ms: 250

event_bus:
  max_events: 5000
  default_max_retries: 5

risk:
  max_daily_loss: 2500
  min_confidence: 35

export:
  enabled: true
  brokers:
    - kafka-1:9092
    - kafka-2:9092

feed:
  enabled: true
  ws_url: wss://feed.example.com/ticks
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-1", cfg.General.InstanceID)
	assert.Equal(t, "staging", cfg.General.Environment)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentStrategies)
	assert.Equal(t, 1500, cfg.Engine.DelegateTimeoutMs)
	assert.Equal(t, "risk_adjusted", cfg.Processor.Resolution)
	assert.Equal(t, 2, cfg.Processor.MaxSignalsPerSymbol)
	assert.True(t, cfg.Processor.DedupEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.AggregationWindow())
	assert.Equal(t, 5000, cfg.EventBus.MaxEvents)
	assert.Equal(t, 5, cfg.EventBus.DefaultMaxRetries)
	assert.Equal(t, 2500.0, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 35.0, cfg.Risk.MinConfidence)
	assert.True(t, cfg.Export.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Export.Brokers)
	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, "wss://feed.example.com/ticks", cfg.Feed.WSURL)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, "general:\n  instance_id: bare\n"))
	require.NoError(t, err)

	assert.Equal(t, "bare", cfg.General.InstanceID)
	assert.Equal(t, "development", cfg.General.Environment)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "json", cfg.General.LogFormat)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrentStrategies)
	assert.Equal(t, 512, cfg.Engine.MaxMemoryMB)
	assert.Equal(t, 2000, cfg.Engine.DelegateTimeoutMs)
	assert.Equal(t, "confidence_based", cfg.Processor.Resolution)
	assert.Equal(t, 3, cfg.Processor.MaxSignalsPerSymbol)
	assert.Equal(t, 0.4, cfg.Processor.MinQualityScore)
	assert.Equal(t, 5*time.Minute, cfg.Processor.MaxSignalAge())
	assert.Equal(t, 100, cfg.EventBus.FlushIntervalMs)
	assert.Equal(t, 3, cfg.EventBus.DefaultMaxRetries)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Export.Brokers)
	assert.Equal(t, "1.0.0", cfg.Export.SchemaVersion)
	assert.Equal(t, "halcyon", cfg.Archive.Database)
	assert.Equal(t, 500, cfg.Archive.BatchSize)
	assert.Equal(t, ":8080", cfg.Ops.Addr)
	assert.Empty(t, cfg.Database.DSN)
	assert.False(t, cfg.Export.Enabled)
	assert.False(t, cfg.Feed.Enabled)
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("HALCYON_TEST_DSN", "postgres://halcyon:secret@db:5432/halcyon")

	cfg, err := Load(writeConfig(t, "database:\n  dsn: ${HALCYON_TEST_DSN}\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://halcyon:secret@db:5432/halcyon", cfg.Database.DSN)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")

	_, err = Load(writeConfig(t, "general: [not, a, mapping\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
