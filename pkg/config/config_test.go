package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 72*time.Hour, cfg.Engine.StaleHorizon)
	assert.Equal(t, 5, cfg.Engine.ConflictRetries)
	assert.Equal(t, "triangle.events", cfg.RabbitMQ.Exchange)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENGINE_STALE_HORIZON", "2h")
	t.Setenv("ENGINE_CONFLICT_RETRIES", "9")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("ENGINE_OUTBOX_BATCH", "not-a-number")

	cfg := Load()

	assert.Equal(t, 2*time.Hour, cfg.Engine.StaleHorizon)
	assert.Equal(t, 9, cfg.Engine.ConflictRetries)
	assert.Equal(t, "cache:6379", cfg.Redis.URL)
	assert.Equal(t, 100, cfg.Engine.OutboxBatch)
}

func TestValidateCore(t *testing.T) {
	cfg := Load()
	err := cfg.ValidateCore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.Database.URL = "postgres://localhost/triangle"
	cfg.JWT.Secret = "a-real-secret"
	cfg.Address.MasterSeed = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, cfg.ValidateCore())

	cfg.Engine.ConflictRetries = 0
	assert.Error(t, cfg.ValidateCore())
}
