// Package config loads and validates fetchcache configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetchcache/internal/pipeline"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetcherConfig tunes the HTTP collaborator.
type FetcherConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
}

// PipelineConfig governs the Loader.
type PipelineConfig struct {
	// FailurePolicy is "suppress" (failed keys stay completed until clear)
	// or "retry" (failed keys may be submitted again).
	FailurePolicy string `mapstructure:"failure_policy"`
}

// ConsumerConfig paces the drain loop.
type ConsumerConfig struct {
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	MaxPerFrame   int           `mapstructure:"max_per_frame"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// StorageConfig selects where drained payloads are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls the optional Postgres fetch log.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends accepted by storage.backend.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("fetcher.user_agent", "fetchcache/1.0")
	v.SetDefault("fetcher.connect_timeout", "300ms")
	v.SetDefault("fetcher.request_timeout", "10s")
	v.SetDefault("fetcher.max_body_bytes", 10*1024*1024)
	v.SetDefault("pipeline.failure_policy", pipeline.SuppressFailures.String())
	v.SetDefault("consumer.frame_interval", "16ms")
	v.SetDefault("consumer.max_per_frame", 8)
	v.SetDefault("consumer.drain_timeout", "30s")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "data/assets")
	v.SetDefault("storage.prefix", "assets")
	v.SetDefault("storage.content_type", "application/octet-stream")
	v.SetDefault("db.table", "fetch_log")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetcher.ConnectTimeout <= 0 {
		return fmt.Errorf("fetcher.connect_timeout must be > 0")
	}
	if c.Fetcher.RequestTimeout <= 0 {
		return fmt.Errorf("fetcher.request_timeout must be > 0")
	}
	if _, err := c.FailurePolicy(); err != nil {
		return fmt.Errorf("pipeline.failure_policy: %w", err)
	}
	if c.Consumer.FrameInterval <= 0 {
		return fmt.Errorf("consumer.frame_interval must be > 0")
	}
	if c.Consumer.MaxPerFrame <= 0 {
		return fmt.Errorf("consumer.max_per_frame must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FailurePolicy parses pipeline.failure_policy.
func (c Config) FailurePolicy() (pipeline.FailurePolicy, error) {
	return pipeline.ParseFailurePolicy(c.Pipeline.FailurePolicy)
}
