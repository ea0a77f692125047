package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.RedisHost)
	assert.Equal(t, 6379, cfg.RedisPort)
	assert.Equal(t, "redis:6379", cfg.RedisAddr())
	assert.Equal(t, 600, cfg.TrafficIntervalSeconds)
	assert.Equal(t, 120, cfg.DDNSIntervalSeconds)
	assert.Equal(t, 10, cfg.SSHConnectionTimeout)
	assert.Equal(t, "/app/files", cfg.FileStoragePath)
	assert.Equal(t, 1, cfg.TaskOutputStorageDays)
	assert.Equal(t, "aurora:pubsub", cfg.PubsubPrefix)
	assert.Equal(t, "AURORA_PUBSUB_STOP", cfg.PubsubStopword)
	assert.Equal(t, "PROD", cfg.Environment)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "10.0.0.5")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("TRAFFIC_INTERVAL_SECONDS", "60")
	t.Setenv("PUBSUB_SLEEP_SECONDS", "0.5")
	t.Setenv("ENABLE_SENTRY", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:6380", cfg.RedisAddr())
	assert.Equal(t, time.Minute, cfg.TrafficInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.PubsubSleep())
	assert.True(t, cfg.EnableSentry)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		SSHConnectionTimeout:  10,
		PubsubTimeoutSeconds:  10,
		PubsubSleepSeconds:    0.1,
		TaskOutputStorageDays: 2,
	}

	assert.Equal(t, 10*time.Second, cfg.SSHTimeout())
	assert.Equal(t, 10*time.Second, cfg.PubsubTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.PubsubSleep())
	assert.Equal(t, 48*time.Hour, cfg.TaskOutputWindow())
}
