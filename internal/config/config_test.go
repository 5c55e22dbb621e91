package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeYAML(t, `
service: user-service
server:
  port: 9000
relay:
  max_retries: 5
broker:
  driver: kafka
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "user-service", cfg.Service)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Relay.MaxRetries)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Brokers)
	// untouched sections keep their defaults
	assert.Equal(t, 100, cfg.Relay.BatchSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Relay.Retention)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeYAML(t, `
postgres:
  dsn: "host=db user=saga"
broker:
  driver: kafka
`)
	t.Setenv("BROKER_DRIVER", "nats")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("RELAY_POLL_INTERVAL", "250ms")
	t.Setenv("POSTGRES_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.Broker.Driver)
	assert.Equal(t, "nats://nats:4222", cfg.Broker.NATSURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.PollInterval)
	assert.Equal(t, "host=db user=saga password=s3cret", cfg.Postgres.DSN)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := writeYAML(t, "broker:\n  driver: rabbit\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ClaimLeaseMustExceedDeliverTimeout(t *testing.T) {
	path := writeYAML(t, "relay:\n  deliver_timeout: 10s\n  claim_lease: 10s\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "claim_lease")

	path = writeYAML(t, "relay:\n  deliver_timeout: 0s\n  claim_lease: 3s\n")
	_, err = Load(path)
	assert.Error(t, err, "an unset deliver timeout means the 5s default")

	path = writeYAML(t, "relay:\n  deliver_timeout: 10s\n  claim_lease: 11s\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 11*time.Second, cfg.Relay.ClaimLease)

	path = writeYAML(t, "relay:\n  claim_lease: 0s\n")
	_, err = Load(path)
	assert.NoError(t, err, "a zero lease disables the reaper")
}
