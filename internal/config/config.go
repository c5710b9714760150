// Package config loads venue configuration from YAML files and environment
// variables via viper, with defaults and validation at load time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the venue core.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Consensus  ConsensusConfig  `mapstructure:"consensus"`
	Journal    JournalConfig    `mapstructure:"journal"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the optional snapshot cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	DB       int           `mapstructure:"db"`
	Enabled  bool          `mapstructure:"enabled"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// KafkaConfig configures the market-data event stream.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Enabled bool     `mapstructure:"enabled"`
}

// LedgerConfig configures the external append-only consensus log and its
// read-replica mirror.
type LedgerConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	MirrorURL     string        `mapstructure:"mirror_url"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`
}

// SettlementConfig configures the external settlement contract endpoint.
type SettlementConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	Interval      time.Duration `mapstructure:"interval"`
}

// ConsensusConfig tunes the job queue, workers and monitors.
type ConsensusConfig struct {
	WorkerCount      int           `mapstructure:"worker_count"`
	WorkerInterval   time.Duration `mapstructure:"worker_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MirrorInterval   time.Duration `mapstructure:"mirror_interval"`
	MirrorMaxRetries int           `mapstructure:"mirror_max_retries"`
	MirrorDelay      time.Duration `mapstructure:"mirror_delay"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	StaleThreshold   time.Duration `mapstructure:"stale_threshold"`
	FailedRetention  time.Duration `mapstructure:"failed_retention"`
	BatchInterval    time.Duration `mapstructure:"batch_interval"`
	BatchMaxTrades   int           `mapstructure:"batch_max_trades"`
	BatchWindow      time.Duration `mapstructure:"batch_window"`
}

// JournalConfig configures the per-market order event journal.
type JournalConfig struct {
	Dir     string `mapstructure:"dir"`
	Enabled bool   `mapstructure:"enabled"`
}

// Load reads configuration from the given path (optional) plus
// FORECASTEX_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FORECASTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.dsn", "host=localhost user=forecastex dbname=forecastex sslmode=disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.cache_ttl", 2*time.Second)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "forecastex.marketdata")
	v.SetDefault("kafka.enabled", false)

	v.SetDefault("ledger.submit_timeout", 30*time.Second)
	v.SetDefault("ledger.mirror_timeout", 10*time.Second)

	v.SetDefault("settlement.submit_timeout", 30*time.Second)
	v.SetDefault("settlement.interval", 30*time.Second)

	v.SetDefault("consensus.worker_count", 2)
	v.SetDefault("consensus.worker_interval", 30*time.Second)
	v.SetDefault("consensus.max_retries", 5)
	v.SetDefault("consensus.mirror_interval", 5*time.Second)
	v.SetDefault("consensus.mirror_max_retries", 10)
	v.SetDefault("consensus.mirror_delay", 5*time.Second)
	v.SetDefault("consensus.health_interval", 5*time.Minute)
	v.SetDefault("consensus.stale_threshold", 2*time.Hour)
	v.SetDefault("consensus.failed_retention", 7*24*time.Hour)
	v.SetDefault("consensus.batch_interval", 30*time.Second)
	v.SetDefault("consensus.batch_max_trades", 50)
	v.SetDefault("consensus.batch_window", 30*time.Second)

	v.SetDefault("journal.dir", "./data/journal")
	v.SetDefault("journal.enabled", true)
}

// Validate checks the loaded configuration for values the pipeline cannot
// run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Consensus.WorkerCount < 1 {
		return fmt.Errorf("consensus.worker_count must be >= 1")
	}
	if c.Consensus.MaxRetries < 1 {
		return fmt.Errorf("consensus.max_retries must be >= 1")
	}
	if c.Consensus.MirrorMaxRetries < 1 {
		return fmt.Errorf("consensus.mirror_max_retries must be >= 1")
	}
	if c.Consensus.BatchMaxTrades < 1 {
		return fmt.Errorf("consensus.batch_max_trades must be >= 1")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka.enabled")
	}
	return nil
}
