// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs the request execution pipeline. The three
// concurrency knobs bound, respectively, requests in flight, rows per
// request and fetches per request.
type PipelineConfig struct {
	RequestWorkers        int  `mapstructure:"request_workers"`
	RowConcurrency        int  `mapstructure:"row_concurrency"`
	FetchConcurrency      int  `mapstructure:"fetch_concurrency"`
	QueueDepth            int  `mapstructure:"queue_depth"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
	IncludeRejectedRows   bool `mapstructure:"include_rejected_rows"`
}

// HTTPConfig configures the outbound image fetch client.
type HTTPConfig struct {
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	UserAgent           string `mapstructure:"user_agent"`
	MaxBodyMB           int    `mapstructure:"max_body_mb"`
}

// StoreConfig selects and configures the persistence store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres or memory
	Path   string `mapstructure:"path"`   // sqlite database file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// BlobConfig selects and configures artifact storage.
type BlobConfig struct {
	Provider string   `mapstructure:"provider"` // local or s3
	BaseDir  string   `mapstructure:"base_dir"`
	S3       S3Config `mapstructure:"s3"`
}

// S3Config holds MinIO/S3 connection settings.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// NotifyConfig configures webhook delivery.
type NotifyConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// EventsConfig configures the optional Kafka completion-event publisher.
type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMGBATCH")
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
	v.SetDefault("pipeline.request_workers", 2)
	v.SetDefault("pipeline.row_concurrency", 4)
	v.SetDefault("pipeline.fetch_concurrency", 8)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.request_timeout_seconds", 600)
	v.SetDefault("pipeline.include_rejected_rows", false)
	v.SetDefault("http.fetch_timeout_seconds", 15)
	v.SetDefault("http.user_agent", "imgbatch/0.1")
	v.SetDefault("http.max_body_mb", 32)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "imgbatch.db")
	v.SetDefault("blob.provider", "local")
	v.SetDefault("blob.base_dir", "./data")
	v.SetDefault("notify.timeout_seconds", 10)
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "imgbatch.completions")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.RequestWorkers <= 0 {
		return fmt.Errorf("pipeline.request_workers must be > 0")
	}
	if c.Pipeline.RowConcurrency <= 0 {
		return fmt.Errorf("pipeline.row_concurrency must be > 0")
	}
	if c.Pipeline.FetchConcurrency <= 0 {
		return fmt.Errorf("pipeline.fetch_concurrency must be > 0")
	}
	if c.HTTP.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("http.fetch_timeout_seconds must be > 0")
	}
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path must be set for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver)
	}
	switch c.Blob.Provider {
	case "local":
		if strings.TrimSpace(c.Blob.BaseDir) == "" {
			return fmt.Errorf("blob.base_dir must be set for the local provider")
		}
	case "s3":
		if strings.TrimSpace(c.Blob.S3.Endpoint) == "" || strings.TrimSpace(c.Blob.S3.Bucket) == "" {
			return fmt.Errorf("blob.s3.endpoint and blob.s3.bucket must be set for the s3 provider")
		}
	default:
		return fmt.Errorf("blob.provider %q is not one of local, s3", c.Blob.Provider)
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("events.brokers must be set when events are enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout returns the per-fetch deadline as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.FetchTimeoutSeconds) * time.Second
}

// RequestTimeout returns the overall request deadline; zero disables it.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Pipeline.RequestTimeoutSeconds) * time.Second
}

// NotifyTimeout returns the webhook delivery deadline.
func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}
