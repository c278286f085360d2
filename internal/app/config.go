package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the WaveChat backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ClusterConfig controls cross-instance coordination.
type ClusterConfig struct {
	// InstanceID uniquely tags this process among peers behind the load
	// balancer. A random ID is generated when empty.
	InstanceID string `mapstructure:"instance_id"`
}

// ChatConfig carries tuning knobs for the realtime delivery engine.
type ChatConfig struct {
	HistoryBatchSize    int           `mapstructure:"history_batch_size"`
	HistoryLoadTimeout  time.Duration `mapstructure:"history_load_timeout"`
	HistoryMaxRetries   int           `mapstructure:"history_max_retries"`
	HistoryRetryBackoff time.Duration `mapstructure:"history_retry_backoff"`
	HistoryRetryCap     time.Duration `mapstructure:"history_retry_cap"`
	LocalDuplicateGrace time.Duration `mapstructure:"local_duplicate_grace"`
	GlobalDuplicateGrace time.Duration `mapstructure:"global_duplicate_grace"`
	ReadBatchWindow     time.Duration `mapstructure:"read_batch_window"`
	StreamIdleTimeout   time.Duration `mapstructure:"stream_idle_timeout"`
	LoadMarkerTimeout   time.Duration `mapstructure:"load_marker_timeout"`
}

// AuthConfig captures authentication settings consumed by the socket boundary.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig reads configuration from ./config plus any supplied paths,
// applying WAVECHAT_* environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("WAVECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate rejects configurations that cannot boot a usable instance.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil configuration")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: auth.jwt_secret must be configured")
	}
	if c.Chat.HistoryBatchSize <= 0 {
		return errors.New("config: chat.history_batch_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/wavechat.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("cluster.instance_id", "")

	v.SetDefault("chat.history_batch_size", 15)
	v.SetDefault("chat.history_load_timeout", "10s")
	v.SetDefault("chat.history_max_retries", 3)
	v.SetDefault("chat.history_retry_backoff", "2s")
	v.SetDefault("chat.history_retry_cap", "10s")
	v.SetDefault("chat.local_duplicate_grace", "10s")
	v.SetDefault("chat.global_duplicate_grace", "5s")
	v.SetDefault("chat.read_batch_window", "3s")
	v.SetDefault("chat.stream_idle_timeout", "5m")
	v.SetDefault("chat.load_marker_timeout", "10m")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
