package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the halcyon engine.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Engine    EngineConfig    `yaml:"engine"`
	Processor ProcessorConfig `yaml:"processor"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Export    ExportConfig    `yaml:"export"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Risk      RiskConfig      `yaml:"risk"`
	Database  DatabaseConfig  `yaml:"database"`
	Ops       OpsConfig       `yaml:"ops"`
	Feed      FeedConfig      `yaml:"feed"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type EngineConfig struct {
	MaxConcurrentStrategies int     `yaml:"max_concurrent_strategies"`
	MaxMemoryMB             int     `yaml:"max_memory_mb"`
	DelegateTimeoutMs       int     `yaml:"delegate_timeout_ms"`
	HealthCheckIntervalSec  int     `yaml:"health_check_interval_sec"`
	EmergencyStopTimeoutSec int     `yaml:"emergency_stop_timeout_sec"`
	RecoveryTimeoutSec      int     `yaml:"recovery_timeout_sec"`
	BaseQuantity            float64 `yaml:"base_quantity"`
	DecisionTTLSec          int     `yaml:"decision_ttl_sec"`
}

type ProcessorConfig struct {
	Resolution          string  `yaml:"resolution"` // confidence_based|priority_weighted|first_wins|risk_adjusted
	MaxSignalsPerSymbol int     `yaml:"max_signals_per_symbol"`
	MinQualityScore     float64 `yaml:"min_quality_score"`
	MaxSignalAgeSec     int     `yaml:"max_signal_age_sec"`
	DedupEnabled        bool    `yaml:"dedup_enabled"`
	AggregationWindowMs int     `yaml:"aggregation_window_ms"`
}

type EventBusConfig struct {
	MaxEvents          int     `yaml:"max_events"`
	MaxDeadLetters     int     `yaml:"max_dead_letters"`
	BatchSize          int     `yaml:"batch_size"`
	FlushIntervalMs    int     `yaml:"flush_interval_ms"`
	RetryDelayMs       int     `yaml:"retry_delay_ms"`
	DefaultMaxRetries  int     `yaml:"default_max_retries"`
	HandlerTimeoutMs   int     `yaml:"handler_timeout_ms"`
	MaxQueueDepth      int     `yaml:"max_queue_depth"`
	MaxErrorRate       float64 `yaml:"max_error_rate"`
	MaxAvgProcessingMs float64 `yaml:"max_avg_processing_ms"`
	MaxDeadLetterDepth int     `yaml:"max_dead_letter_depth"`
}

type ExportConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	SchemaVersion string   `yaml:"schema_version"`
	LingerMs      int      `yaml:"linger_ms"`
}

type ArchiveConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DSN              string `yaml:"dsn"`
	Database         string `yaml:"database"`
	BatchSize        int    `yaml:"batch_size"`
	FlushIntervalSec int    `yaml:"flush_interval_sec"`
}

type RiskConfig struct {
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MaxTotalExposure float64 `yaml:"max_total_exposure"`
	MaxSignalRisk    float64 `yaml:"max_signal_risk"`
	MinConfidence    float64 `yaml:"min_confidence"`
	MaxOpenPerSymbol int     `yaml:"max_open_per_symbol"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // empty = in-memory repository
}

type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	WSURL   string `yaml:"ws_url"`
}

type ProfilingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ServerAddress string `yaml:"server_address"`
}

// Load reads and parses a YAML configuration file. Environment variables in
// the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "halcyon-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Engine.MaxConcurrentStrategies == 0 {
		cfg.Engine.MaxConcurrentStrategies = 10
	}
	if cfg.Engine.MaxMemoryMB == 0 {
		cfg.Engine.MaxMemoryMB = 512
	}
	if cfg.Engine.DelegateTimeoutMs == 0 {
		cfg.Engine.DelegateTimeoutMs = 2000
	}
	if cfg.Engine.HealthCheckIntervalSec == 0 {
		cfg.Engine.HealthCheckIntervalSec = 30
	}
	if cfg.Processor.Resolution == "" {
		cfg.Processor.Resolution = "confidence_based"
	}
	if cfg.Processor.MaxSignalsPerSymbol == 0 {
		cfg.Processor.MaxSignalsPerSymbol = 3
	}
	if cfg.Processor.MinQualityScore == 0 {
		cfg.Processor.MinQualityScore = 0.4
	}
	if cfg.Processor.MaxSignalAgeSec == 0 {
		cfg.Processor.MaxSignalAgeSec = 300
	}
	if cfg.EventBus.FlushIntervalMs == 0 {
		cfg.EventBus.FlushIntervalMs = 100
	}
	if cfg.EventBus.DefaultMaxRetries == 0 {
		cfg.EventBus.DefaultMaxRetries = 3
	}
	if len(cfg.Export.Brokers) == 0 {
		cfg.Export.Brokers = []string{"localhost:9092"}
	}
	if cfg.Export.SchemaVersion == "" {
		cfg.Export.SchemaVersion = "1.0.0"
	}
	if cfg.Archive.DSN == "" {
		cfg.Archive.DSN = "clickhouse://localhost:9000/halcyon"
	}
	if cfg.Archive.Database == "" {
		cfg.Archive.Database = "halcyon"
	}
	if cfg.Archive.BatchSize == 0 {
		cfg.Archive.BatchSize = 500
	}
	if cfg.Archive.FlushIntervalSec == 0 {
		cfg.Archive.FlushIntervalSec = 5
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = ":8080"
	}
}

// MaxSignalAge returns the processor age limit as a duration.
func (c ProcessorConfig) MaxSignalAge() time.Duration {
	return time.Duration(c.MaxSignalAgeSec) * time.Second
}

// AggregationWindow returns the debounce window as a duration.
func (c ProcessorConfig) AggregationWindow() time.Duration {
	return time.Duration(c.AggregationWindowMs) * time.Millisecond
}
