// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr    string `env:"HUB_ADDR" envDefault:":8000"`
	Backend string `env:"HUB_BACKEND" envDefault:"redis"` // redis | nats | memory

	// Backend connection
	RedisURL string        `env:"HUB_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL  string        `env:"HUB_NATS_URL" envDefault:"nats://localhost:4222"`
	KVBucket string        `env:"HUB_KV_BUCKET" envDefault:"datasets"`
	TTL      time.Duration `env:"HUB_TTL" envDefault:"1h"`

	// Resource limits
	MaxPayloadSize int64 `env:"HUB_MAX_PAYLOAD_SIZE" envDefault:"16777216"` // 16 MiB
	MaxHeaderSize  int   `env:"HUB_MAX_HEADER_SIZE" envDefault:"8192"`      // 8 KiB per value
	MaxFrameSize   int   `env:"HUB_MAX_WS_FRAME_SIZE" envDefault:"1048576"` // 1 MiB

	// Subscriber engine
	LiveQueueSize int           `env:"HUB_LIVE_QUEUE_SIZE" envDefault:"256"`
	PollInterval  time.Duration `env:"HUB_POLL_INTERVAL" envDefault:"1s"`
	ListenerGrace time.Duration `env:"HUB_LISTENER_GRACE" envDefault:"2s"`

	// Connection admission
	ConnIPBurst     int     `env:"HUB_CONN_IP_BURST" envDefault:"10"`
	ConnIPRate      float64 `env:"HUB_CONN_IP_RATE" envDefault:"1.0"`
	ConnGlobalBurst int     `env:"HUB_CONN_GLOBAL_BURST" envDefault:"300"`
	ConnGlobalRate  float64 `env:"HUB_CONN_GLOBAL_RATE" envDefault:"50.0"`

	// Shutdown
	ShutdownGrace time.Duration `env:"HUB_SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production uses real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("HUB_ADDR is required")
	}

	switch c.Backend {
	case "redis", "nats", "memory":
	default:
		return fmt.Errorf("HUB_BACKEND must be one of: redis, nats, memory (got: %s)", c.Backend)
	}

	if c.MaxPayloadSize < 1 {
		return fmt.Errorf("HUB_MAX_PAYLOAD_SIZE must be > 0, got %d", c.MaxPayloadSize)
	}
	if c.MaxHeaderSize < 1 {
		return fmt.Errorf("HUB_MAX_HEADER_SIZE must be > 0, got %d", c.MaxHeaderSize)
	}
	if c.MaxFrameSize < 1 {
		return fmt.Errorf("HUB_MAX_WS_FRAME_SIZE must be > 0, got %d", c.MaxFrameSize)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("HUB_TTL must be > 0, got %s", c.TTL)
	}
	if c.LiveQueueSize < 1 {
		return fmt.Errorf("HUB_LIVE_QUEUE_SIZE must be > 0, got %d", c.LiveQueueSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("backend", c.Backend).
		Dur("ttl", c.TTL).
		Int64("max_payload_size", c.MaxPayloadSize).
		Int("max_header_size", c.MaxHeaderSize).
		Int("max_ws_frame_size", c.MaxFrameSize).
		Int("live_queue_size", c.LiveQueueSize).
		Dur("poll_interval", c.PollInterval).
		Dur("listener_grace", c.ListenerGrace).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
