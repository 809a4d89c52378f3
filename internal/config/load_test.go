package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxq/internal/retry"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fluxq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Broker.LeaseDuration)
	assert.Equal(t, time.Second, cfg.Broker.BaseRetryDelay)
	assert.Equal(t, time.Hour, cfg.Broker.MaxRetryDelay)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "queue", cfg.Broker.DeadLetter.Mode)
	assert.Equal(t, 1, cfg.Worker.PrefetchLimit)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, retry.DeadLetterQueue("dead_letter"), cfg.DeadLetter())
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
broker:
  lease_duration: 45s
  base_retry_delay: 2s
  max_retry_delay: 5m
  default_max_retries: 5
  dead_letter:
    mode: discard
worker:
  prefetch_limit: 8
store:
  driver: postgres
  dsn: postgres://fluxq@localhost/fluxq
results:
  driver: redis
  dsn: localhost:6379
queues:
  - name: emails
    max_length: 100
  - name: scratch
    durable: false
bindings:
  - queue: emails
    pattern: email.#
scheduler:
  entries:
    - name: nightly-report
      spec: "0 2 * * *"
      task: report
      payload: daily
      priority: 9
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Broker.LeaseDuration)
	assert.Equal(t, 5, cfg.Broker.DefaultMaxRetries)
	assert.Equal(t, 8, cfg.Worker.PrefetchLimit)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "redis", cfg.Results.Driver)
	assert.Equal(t, retry.DeadLetterDiscard, cfg.DeadLetter())

	queues := cfg.QueueDefs()
	require.Len(t, queues, 2)
	assert.True(t, queues[0].Durable)
	assert.Equal(t, 100, queues[0].MaxLength)
	assert.False(t, queues[1].Durable)

	bc := cfg.BrokerConfig()
	assert.Equal(t, 2*time.Second, bc.Backoff.Base)
	assert.Equal(t, 5*time.Minute, bc.Backoff.Max)
	require.Len(t, bc.Bindings, 1)
	assert.Equal(t, "email.#", bc.Bindings[0].Pattern)

	require.Len(t, cfg.Scheduler.Entries, 1)
	tmpl := cfg.Scheduler.Entries[0].Template()
	assert.Equal(t, "report", tmpl.Name)
	assert.Equal(t, "daily", string(tmpl.Payload))
	assert.Equal(t, 9, tmpl.Priority)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "broker:\n  lease_duration: 45s\n")
	t.Setenv("FLUXQ_BROKER_LEASE_DURATION", "2m")
	t.Setenv("FLUXQ_LOG_FORMAT", "text")
	t.Setenv("FLUXQ_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Broker.LeaseDuration)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"unknown driver":      "store:\n  driver: cassandra\n",
		"missing dsn":         "store:\n  driver: postgres\n  dsn: \"\"\n",
		"dead letter no name": "broker:\n  dead_letter:\n    mode: queue\n    queue: \"\"\n",
		"bad log level":       "log:\n  level: chatty\n",
		"max below base":      "broker:\n  base_retry_delay: 10s\n  max_retry_delay: 1s\n",
		"priority range":      "scheduler:\n  entries:\n    - {name: a, spec: '@hourly', task: t, priority: 300}\n",
		"unnamed queue":       "queues:\n  - max_length: 3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	log := cfg.NewLogger(&buf)

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
