// Package config loads the daemon configuration from YAML, TOML, or JSON
// files, applies environment overrides, and watches the file for changes so
// resource limits can be adjusted without a restart.
//
// Environment overrides are namespaced: STRATUS_<SECTION>_<FIELD>, where
// SECTION comes from the section's env tag and FIELD from the field's, e.g.
// STRATUS_RESOURCES_MAX_CONCURRENT_AGENTS or STRATUS_REALTIME_JWT_SECRET.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/stratusai/stratus/eventbus"
	"github.com/stratusai/stratus/realtime"
	"github.com/stratusai/stratus/resource"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server" env:"SERVER"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging" env:"LOG"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics" env:"METRICS"`
	EventBus  eventbus.Config `json:"eventBus" yaml:"eventBus" toml:"eventBus" env:"EVENTBUS"`
	Realtime  realtime.Config `json:"realtime" yaml:"realtime" toml:"realtime" env:"REALTIME"`
	Resources resource.Config `json:"resources" yaml:"resources" toml:"resources" env:"RESOURCES"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the listen address; empty binds all interfaces.
	Host string `json:"host,omitempty" yaml:"host,omitempty" toml:"host" env:"HOST"`

	// Port is the listen port.
	Port int `json:"port,omitempty" yaml:"port,omitempty" toml:"port" env:"PORT"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty" toml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

// Validate applies defaults.
func (c *ServerConfig) Validate() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" yaml:"level,omitempty" toml:"level" env:"LEVEL"`

	// Format is text or json.
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format" env:"FORMAT"`
}

// Validate applies defaults and rejects unknown levels and formats.
func (c *LoggingConfig) Validate() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

// Logger builds the process logger described by this configuration.
func (c LoggingConfig) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// MetricsConfig configures the Prometheus endpoint and the optional statsd
// exporter.
type MetricsConfig struct {
	// Enabled exposes /metrics and runs the statsd exporter when an
	// address is set.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled" env:"ENABLED"`

	// StatsdAddr is the dogstatsd endpoint; empty disables the exporter.
	StatsdAddr string `json:"statsdAddr,omitempty" yaml:"statsdAddr,omitempty" toml:"statsdAddr" env:"STATSD_ADDR"`

	// FlushInterval is how often gauges are pushed to statsd.
	FlushInterval time.Duration `json:"flushInterval,omitempty" yaml:"flushInterval,omitempty" toml:"flushInterval" env:"FLUSH_INTERVAL"`
}

// Validate applies defaults.
func (c *MetricsConfig) Validate() error {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	return nil
}

// Validate applies defaults to every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.EventBus.Validate(); err != nil {
		return fmt.Errorf("eventBus: %w", err)
	}
	if err := c.Realtime.Validate(); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if err := c.Resources.Validate(); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	return nil
}
