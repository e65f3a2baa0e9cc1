package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.QueueBackend())
	assert.Equal(t, 10*time.Second, cfg.Delivery.Timeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
delivery:
  workers: 8
  timeout: 3s
kafka:
  brokers: [k1:9092]
`), 0o600))

	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "4")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Delivery.Workers)
	assert.Equal(t, 3*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 4, cfg.Delivery.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Delivery.BackoffMax, "unset keys keep defaults")
	assert.Equal(t, []string{"k1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redis", cfg.QueueBackend())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(env(map[string]string{
		"PORT":          "7000",
		"DB_MIGRATE":    "false",
		"KAFKA_BROKERS": "a:1, b:2,",
		"QUEUE_BACKEND": "Memory",
		"AUTH_MODE":     "hmac",
	})))
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.False(t, cfg.Database.Migrate)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, "memory", cfg.QueueBackend())
	assert.Equal(t, "hmac", cfg.Auth.Mode)

	err := cfg.applyEnv(env(map[string]string{"PORT": "x", "WEBHOOK_TIMEOUT": "soon"}))
	assert.ErrorContains(t, err, "PORT")
	assert.ErrorContains(t, err, "WEBHOOK_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Queue.Backend = "redis"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.Backend = "sqs"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Delivery.BackoffMax = time.Second
	assert.Error(t, cfg.Validate())
}
