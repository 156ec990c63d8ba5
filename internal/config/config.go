// Package config loads and validates broker and worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Relay     RelayConfig     `mapstructure:"relay"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
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

// BrokerConfig tunes task coordination.
type BrokerConfig struct {
	DefaultNamespace  string        `mapstructure:"default_namespace"`
	AcquireBatchSize  int           `mapstructure:"acquire_batch_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StreamBuffer      int           `mapstructure:"stream_buffer"`
}

// StoreConfig selects the task, client and artifact metadata backend.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// CacheConfig selects the pending-count store.
type CacheConfig struct {
	// Driver is "memory" or "pebble".
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	NoSync bool   `mapstructure:"no_sync"`
}

// ArtifactsConfig selects where artifact bodies live.
type ArtifactsConfig struct {
	// Backend is "memory", "local" or "gcs".
	Backend        string `mapstructure:"backend"`
	LocalDir       string `mapstructure:"local_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	GCSPrefix      string `mapstructure:"gcs_prefix"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// RelayConfig controls lifecycle event forwarding.
type RelayConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Sinks         []string      `mapstructure:"sinks"`
	Buffer        int           `mapstructure:"buffer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// PubSubConfig holds the relay's Pub/Sub destination.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig configures the fetch worker process.
type WorkerConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	APIKey         string        `mapstructure:"api_key"`
	ID             string        `mapstructure:"id"`
	Namespace      string        `mapstructure:"namespace"`
	Variant        string        `mapstructure:"variant"`
	Concurrency    int           `mapstructure:"concurrency"`
	Capabilities   []string      `mapstructure:"capabilities"`
	Fetcher        string        `mapstructure:"fetcher"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
	ChromePath     string        `mapstructure:"chrome_path"`
	// PromoteBelowBytes is the body size under which auto mode re-renders
	// pages that look client-rendered.
	PromoteBelowBytes int `mapstructure:"promote_below_bytes"`
}

// envAliases maps config keys to the bare environment names deployments use.
var envAliases = map[string]string{
	"server.port":              "PORT",
	"database.url":             "DATABASE_URL",
	"cache.dir":                "DATA_PATH",
	"broker.default_namespace": "DEFAULT_NAMESPACE",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := "BROKER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

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
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("broker.default_namespace", "default")
	v.SetDefault("broker.acquire_batch_size", 100)
	v.SetDefault("broker.heartbeat_interval", "10s")
	v.SetDefault("broker.stream_buffer", 64)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("artifacts.backend", "memory")
	v.SetDefault("artifacts.local_dir", "data/artifacts")
	v.SetDefault("artifacts.max_upload_bytes", 100<<20)
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.sinks", []string{"log"})
	v.SetDefault("relay.buffer", 256)
	v.SetDefault("relay.batch_size", 50)
	v.SetDefault("relay.flush_interval", "1s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("worker.broker_url", "http://localhost:3000")
	v.SetDefault("worker.namespace", "default")
	v.SetDefault("worker.variant", "fetch")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.fetcher", "http")
	v.SetDefault("worker.user_agent", "taskbroker-worker/1.0")
	v.SetDefault("worker.request_timeout", "30s")
	v.SetDefault("worker.rate_limit_rps", 1.0)
	v.SetDefault("worker.rate_limit_burst", 1)
	v.SetDefault("worker.reconnect_min", "500ms")
	v.SetDefault("worker.reconnect_max", "30s")
	v.SetDefault("worker.promote_below_bytes", 2048)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Broker.AcquireBatchSize <= 0 {
		errs = append(errs, errors.New("broker.acquire_batch_size must be > 0"))
	}
	if c.Broker.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("broker.heartbeat_interval must be > 0"))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url must be set for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}
	switch c.Cache.Driver {
	case "memory":
	case "pebble":
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir must be set for the pebble cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.driver %q is not one of memory, pebble", c.Cache.Driver))
	}
	switch c.Artifacts.Backend {
	case "memory", "local":
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			errs = append(errs, errors.New("artifacts.gcs_bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend %q is not one of memory, local, gcs", c.Artifacts.Backend))
	}
	if c.Relay.Enabled {
		for _, sink := range c.Relay.Sinks {
			if !slices.Contains([]string{"log", "pubsub"}, sink) {
				errs = append(errs, fmt.Errorf("relay sink %q is not one of log, pubsub", sink))
			}
		}
		if slices.Contains(c.Relay.Sinks, "pubsub") && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
			errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_id must be set for the pubsub sink"))
		}
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the settings the worker command needs.
func (c Config) ValidateWorker() error {
	var errs []error
	if c.Worker.BrokerURL == "" {
		errs = append(errs, errors.New("worker.broker_url must be set"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if !slices.Contains([]string{"http", "headless", "auto"}, c.Worker.Fetcher) {
		errs = append(errs, fmt.Errorf("worker.fetcher %q is not one of http, headless, auto", c.Worker.Fetcher))
	}
	if c.Worker.ReconnectMin <= 0 || c.Worker.ReconnectMax < c.Worker.ReconnectMin {
		errs = append(errs, errors.New("worker reconnect bounds must satisfy 0 < reconnect_min <= reconnect_max"))
	}
	return errors.Join(errs...)
}
