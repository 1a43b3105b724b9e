package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "JWT_SECRET", "INBOX_URL", "ALLOWED_ORIGINS", "RATE_LIMIT_WHITELIST", "AUTO_BLOCK_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "germify.db", cfg.SQLitePath)
	assert.Equal(t, "/chats/", cfg.InboxURL)
	assert.Equal(t, devSecret, cfg.JWTSecret)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.AutoBlockEnabled)
}

func TestLoadLists(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("ALLOWED_ORIGINS", " https://germify.example ,, http://localhost:3000")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8")
	t.Setenv("AUTO_BLOCK_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, []string{"https://germify.example", "http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.RateLimitWhitelist)
	assert.True(t, cfg.AutoBlockEnabled)
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/germify")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "")

	assert.PanicsWithValue(t, "JWT_SECRET is required in production", func() { Load() })
}
