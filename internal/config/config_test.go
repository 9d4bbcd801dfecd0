package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_NAME", "rendezvous")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Location.MinUpdateInterval)
	assert.Equal(t, 20.0, cfg.Location.MinMovementMeters)
	assert.Equal(t, 6*time.Hour, cfg.Cooldown.NotifiedCooldown)
	assert.Equal(t, 4, cfg.MissionQueue.WorkerConcurrency)
	assert.Equal(t, 50, cfg.EventBus.BatchSize)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_NAME", "rendezvous")
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("COOLDOWN_NOTIFIED", "1h")
	os.Setenv("MISSION_QUEUE_WORKER_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Cooldown.NotifiedCooldown)
	assert.Equal(t, 8, cfg.MissionQueue.WorkerConcurrency)
}

func TestLoadRejectsMissingDatabaseName(t *testing.T) {
	os.Clearenv()

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveWorkerConcurrency(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_NAME", "rendezvous")
	os.Setenv("MISSION_QUEUE_WORKER_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
}
