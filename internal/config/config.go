// Package config handles loading and validation of the connection runtime configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is the default location for the runtime configuration file.
	DefaultConfigPath = "./wsconn.yaml"
)

// Endpoint describes the remote WebSocket server to dial.
type Endpoint struct {
	Host    string            `mapstructure:"host" yaml:"host"`
	Port    int               `mapstructure:"port" yaml:"port"`
	Path    string            `mapstructure:"path" yaml:"path"`
	TLS     bool              `mapstructure:"tls" yaml:"tls"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// ReconnectConfig configures the Reconnection Planner (component C6).
type ReconnectConfig struct {
	Strategy    string `mapstructure:"strategy" yaml:"strategy"` // linear | exponential | jittered-exponential
	BaseMs      int    `mapstructure:"base_ms" yaml:"base_ms"`
	CapMs       int    `mapstructure:"cap_ms" yaml:"cap_ms"`
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"` // 0 = unlimited
}

// RateLimitConfig configures the Rate Limiter (component C8).
type RateLimitConfig struct {
	Capacity         int            `mapstructure:"capacity" yaml:"capacity"`
	RefillPerInterval int           `mapstructure:"refill_per_interval" yaml:"refill_per_interval"`
	IntervalMs       int            `mapstructure:"interval_ms" yaml:"interval_ms"`
	QueueCeiling     int            `mapstructure:"queue_ceiling" yaml:"queue_ceiling"`
	CostMap          map[string]int `mapstructure:"cost_map" yaml:"cost_map"`
}

// Config holds all configuration for a connection runtime instance.
type Config struct {
	Endpoint Endpoint `mapstructure:"endpoint" yaml:"endpoint"`

	ConnectTimeoutMs int `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	RequestTimeoutMs int `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`

	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// ConnectTimeout returns the connect timeout as a time.Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the default request timeout as a time.Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Load reads configuration from the given file path, falling back to the default
// path if configPath is empty. Environment variables override file values.
// If onLogLevelChange is non-nil, the file is watched and the callback is invoked
// whenever log_level changes on disk (see SPEC_FULL.md §10.3).
func Load(configPath string, onLogLevelChange func(string)) (*Config, error) {
	v := viper.New()

	v.SetDefault("connect_timeout_ms", 10_000)
	v.SetDefault("request_timeout_ms", 10_000)
	v.SetDefault("log_level", "info")

	v.SetDefault("reconnect.strategy", "exponential")
	v.SetDefault("reconnect.base_ms", 1_000)
	v.SetDefault("reconnect.cap_ms", 30_000)
	v.SetDefault("reconnect.max_attempts", 0)

	v.SetDefault("rate_limit.capacity", 100)
	v.SetDefault("rate_limit.refill_per_interval", 100)
	v.SetDefault("rate_limit.interval_ms", 1_000)
	v.SetDefault("rate_limit.queue_ceiling", 1_000)

	v.SetDefault("heartbeat_interval_ms", 0)

	v.SetDefault("endpoint.tls", true)
	v.SetDefault("endpoint.path", "/")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("WSCONN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"endpoint.host":         "WSCONN_ENDPOINT_HOST",
		"endpoint.port":         "WSCONN_ENDPOINT_PORT",
		"endpoint.path":         "WSCONN_ENDPOINT_PATH",
		"endpoint.tls":          "WSCONN_ENDPOINT_TLS",
		"connect_timeout_ms":    "WSCONN_CONNECT_TIMEOUT_MS",
		"request_timeout_ms":    "WSCONN_REQUEST_TIMEOUT_MS",
		"reconnect.strategy":    "WSCONN_RECONNECT_STRATEGY",
		"reconnect.base_ms":     "WSCONN_RECONNECT_BASE_MS",
		"reconnect.cap_ms":      "WSCONN_RECONNECT_CAP_MS",
		"reconnect.max_attempts": "WSCONN_RECONNECT_MAX_ATTEMPTS",
		"heartbeat_interval_ms": "WSCONN_HEARTBEAT_INTERVAL_MS",
		"log_level":             "WSCONN_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		// An explicit SetConfigFile path that does not exist surfaces as a
		// plain fs.ErrNotExist rather than ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	if onLogLevelChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			newLevel := v.GetString("log_level")
			if newLevel != "" && newLevel != cfg.LogLevel {
				slog.Info("log_level changed on disk", "old", cfg.LogLevel, "new", newLevel)
				cfg.LogLevel = newLevel
				onLogLevelChange(newLevel)
			}
		})
		v.WatchConfig()
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are present and well-formed.
func (c *Config) Validate() error {
	if c.Endpoint.Host == "" {
		return fmt.Errorf("endpoint.host is required")
	}
	if c.Endpoint.Port <= 0 {
		return fmt.Errorf("endpoint.port must be positive")
	}
	switch c.Reconnect.Strategy {
	case "linear", "exponential", "jittered-exponential":
	default:
		return fmt.Errorf("reconnect.strategy %q is not one of linear|exponential|jittered-exponential", c.Reconnect.Strategy)
	}
	if c.Reconnect.BaseMs <= 0 {
		return fmt.Errorf("reconnect.base_ms must be positive")
	}
	if c.Reconnect.CapMs < c.Reconnect.BaseMs {
		return fmt.Errorf("reconnect.cap_ms must be >= reconnect.base_ms")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be positive")
	}
	if c.RateLimit.QueueCeiling < 0 {
		return fmt.Errorf("rate_limit.queue_ceiling must not be negative")
	}
	return nil
}

// URL builds the dial URL for the endpoint (ws:// or wss://).
func (e Endpoint) URL() string {
	scheme := "ws"
	if e.TLS {
		scheme = "wss"
	}
	path := e.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, e.Host, e.Port, path)
}
