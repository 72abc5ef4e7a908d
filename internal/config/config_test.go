package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 30*time.Second, cfg.ServerReadTimeout)
	assert.Empty(t, cfg.DataDir)
	assert.Empty(t, cfg.NATSURL)
	assert.True(t, cfg.ArchiveEnabled)
	assert.Equal(t, 60, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_DIR", "/var/lib/zymochat")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("ARCHIVE_ENABLED", "false")
	t.Setenv("RATE_LIMIT_REQUESTS", "200")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "/var/lib/zymochat", cfg.DataDir)
	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
	assert.False(t, cfg.ArchiveEnabled)
	assert.Equal(t, 200, cfg.RateLimitRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS", "lots")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")
	t.Setenv("ARCHIVE_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 60, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.True(t, cfg.ArchiveEnabled)
}
