package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, time.Hour, cfg.TTL)
	assert.Equal(t, int64(16*1024*1024), cfg.MaxPayloadSize)
	assert.Equal(t, 8192, cfg.MaxHeaderSize)
	assert.Equal(t, 1024*1024, cfg.MaxFrameSize)
	assert.Equal(t, 256, cfg.LiveQueueSize)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.ListenerGrace)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HUB_ADDR", ":9000")
	t.Setenv("HUB_BACKEND", "memory")
	t.Setenv("HUB_TTL", "30m")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 30*time.Minute, cfg.TTL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	t.Setenv("HUB_BACKEND", "etcd")
	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HUB_BACKEND")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Addr:           ":8000",
			Backend:        "memory",
			TTL:            time.Hour,
			MaxPayloadSize: 1024,
			MaxHeaderSize:  1024,
			MaxFrameSize:   1024,
			LiveQueueSize:  16,
			LogLevel:       "info",
			LogFormat:      "json",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"bad backend", func(c *Config) { c.Backend = "sqlite" }},
		{"zero ttl", func(c *Config) { c.TTL = 0 }},
		{"zero payload cap", func(c *Config) { c.MaxPayloadSize = 0 }},
		{"zero header cap", func(c *Config) { c.MaxHeaderSize = 0 }},
		{"zero frame cap", func(c *Config) { c.MaxFrameSize = 0 }},
		{"zero queue", func(c *Config) { c.LiveQueueSize = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
