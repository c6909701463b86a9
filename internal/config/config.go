// Package config handles configuration loading for breachwatch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"breachwatch/internal/api"
	"breachwatch/internal/breach"
	"breachwatch/internal/ingest"
	"breachwatch/internal/normalize"
	"breachwatch/internal/notify"
	"breachwatch/internal/store"
)

// Config holds the complete application configuration.
type Config struct {
	Logging    LoggingConfig              `yaml:"logging"`
	Queue      QueueConfig                `yaml:"queue"`
	Normalizer normalize.NormalizerConfig `yaml:"normalizer"`
	Engine     EngineConfig               `yaml:"engine"`
	Rules      RulesConfig                `yaml:"rules"`
	Storage    StorageConfig              `yaml:"storage"`
	Dedup      DedupConfig                `yaml:"dedup"`
	Archive    ArchiveConfig              `yaml:"archive"`
	Ingest     IngestConfig               `yaml:"ingest"`
	API        api.Config                 `yaml:"api"`
	Routes     []notify.Route             `yaml:"routes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// QueueConfig holds intake queue settings.
type QueueConfig struct {
	Size    int `yaml:"size"`
	Writers int `yaml:"writers"`
}

// EngineConfig holds evaluation engine settings.
type EngineConfig struct {
	Workers      int           `yaml:"workers"`
	TickQueue    int           `yaml:"tick_queue"`
	MatchHistory time.Duration `yaml:"match_history"`
}

// RulesConfig holds rule loading settings.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig holds signal log settings.
type StorageConfig struct {
	Backend     string                  `yaml:"backend"` // memory, clickhouse
	Retention   time.Duration           `yaml:"retention"`
	ClickHouse  store.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter store.BatchWriterConfig `yaml:"batch_writer"`
}

// DedupConfig holds shared dedup lock settings.
type DedupConfig struct {
	Enabled bool                     `yaml:"enabled"`
	Redis   breach.RedisLockerConfig `yaml:"redis"`
}

// ArchiveConfig holds breach archive settings.
type ArchiveConfig struct {
	Enabled bool                 `yaml:"enabled"`
	S3      breach.ArchiveConfig `yaml:"s3"`
	After   time.Duration        `yaml:"after"` // age of closed breaches before archiving
	Sweep   time.Duration        `yaml:"sweep"` // how often the sweep runs
}

// IngestConfig holds signal intake settings.
type IngestConfig struct {
	Kafka ingest.KafkaConfig `yaml:"kafka"`
	DTLS  ingest.DTLSConfig  `yaml:"dtls"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Size:    100000,
			Writers: 2,
		},
		Normalizer: normalize.DefaultNormalizerConfig(),
		Engine: EngineConfig{
			Workers:      4,
			TickQueue:    1024,
			MatchHistory: 2 * time.Hour,
		},
		Rules: RulesConfig{
			Path: "configs/rules.yaml",
		},
		Storage: StorageConfig{
			Backend:     "memory",
			Retention:   24 * time.Hour,
			ClickHouse:  store.DefaultClickHouseConfig(),
			BatchWriter: store.DefaultBatchWriterConfig(),
		},
		Dedup: DedupConfig{
			Enabled: false,
			Redis:   breach.DefaultRedisLockerConfig(),
		},
		Archive: ArchiveConfig{
			Enabled: false,
			S3:      breach.DefaultArchiveConfig(),
			After:   30 * 24 * time.Hour,
			Sweep:   time.Hour,
		},
		Ingest: IngestConfig{
			Kafka: ingest.DefaultKafkaConfig(),
			DTLS:  ingest.DefaultDTLSConfig(),
		},
		API: api.DefaultConfig(),
	}
}

// Load reads configuration from the file named by BREACHWATCH_CONFIG_PATH
// (default configs/config.yaml), falling back to defaults when the file is
// absent. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("BREACHWATCH_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BREACHWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BREACHWATCH_RULES_PATH"); v != "" {
		c.Rules.Path = v
	}
	if v := os.Getenv("BREACHWATCH_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("BREACHWATCH_CLICKHOUSE_PASSWORD"); v != "" {
		c.Storage.ClickHouse.Password = v
	}
	if v := os.Getenv("BREACHWATCH_REDIS_ADDR"); v != "" {
		c.Dedup.Redis.Addr = v
	}
	if v := os.Getenv("BREACHWATCH_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.Workers = n
		}
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Storage.Backend {
	case "memory", "clickhouse":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Queue.Size <= 0 {
		return fmt.Errorf("config: queue size must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine workers must be positive")
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	if c.Ingest.Kafka.Enabled && len(c.Ingest.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka intake requires at least one broker")
	}
	if c.Ingest.DTLS.Enabled && (c.Ingest.DTLS.CertFile == "" || c.Ingest.DTLS.KeyFile == "") {
		return fmt.Errorf("config: dtls intake requires cert_file and key_file")
	}
	return nil
}
