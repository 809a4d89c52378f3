package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/petrijr/fluxq/internal/broker"
	"github.com/petrijr/fluxq/internal/retry"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/worker"
)

// EnvPrefix prefixes environment overrides: broker.lease_duration is read
// from FLUXQ_BROKER_LEASE_DURATION.
const EnvPrefix = "FLUXQ"

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	def := broker.DefaultConfig()

	v.SetDefault("broker.lease_duration", def.LeaseDuration)
	v.SetDefault("broker.sweep_interval", def.SweepInterval)
	v.SetDefault("broker.poll_interval", def.PollInterval)
	v.SetDefault("broker.base_retry_delay", def.Backoff.Base)
	v.SetDefault("broker.max_retry_delay", def.Backoff.Max)
	v.SetDefault("broker.default_max_retries", def.DefaultMaxRetries)
	v.SetDefault("broker.result_ttl", def.ResultTTL)
	v.SetDefault("broker.auto_create_queues", true)
	v.SetDefault("broker.dead_letter.mode", "queue")
	v.SetDefault("broker.dead_letter.queue", "dead_letter")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.prefetch_limit", 1)
	v.SetDefault("worker.execution_timeout", 0)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "fluxq.db")
	v.SetDefault("store.database", "fluxq")
	v.SetDefault("store.prefix", "fluxq:")
	v.SetDefault("results.driver", "sqlite")
	v.SetDefault("results.dsn", "fluxq.db")
	v.SetDefault("results.database", "fluxq")
	v.SetDefault("results.prefix", "fluxq:")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.locker", "memory")
	v.SetDefault("scheduler.locker_dsn", "")

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "fluxq.events")
	v.SetDefault("kafka.client_id", "fluxqd")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads path (optional) and FLUXQ_ environment overrides, then
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// DeadLetter returns the configured dead-letter policy.
func (c *Config) DeadLetter() retry.DeadLetter {
	if c.Broker.DeadLetter.Mode == "discard" {
		return retry.DeadLetterDiscard
	}
	return retry.DeadLetterQueue(c.Broker.DeadLetter.Queue)
}

// QueueDefs returns the declared queues.
func (c *Config) QueueDefs() []api.Queue {
	out := make([]api.Queue, 0, len(c.Queues))
	for _, q := range c.Queues {
		durable := true
		if q.Durable != nil {
			durable = *q.Durable
		}
		out = append(out, api.Queue{Name: q.Name, Durable: durable, MaxLength: q.MaxLength})
	}
	return out
}

// BindingDefs returns the declared bindings.
func (c *Config) BindingDefs() []api.Binding {
	out := make([]api.Binding, 0, len(c.Bindings))
	for _, b := range c.Bindings {
		out = append(out, api.Binding{Queue: b.Queue, Pattern: b.Pattern})
	}
	return out
}

// BrokerConfig builds a broker.Config. Observer, Logger, Clock and Registry
// are left for the caller.
func (c *Config) BrokerConfig() broker.Config {
	cfg := broker.DefaultConfig()
	cfg.LeaseDuration = c.Broker.LeaseDuration
	cfg.SweepInterval = c.Broker.SweepInterval
	cfg.PollInterval = c.Broker.PollInterval
	cfg.Backoff = retry.Backoff{Base: c.Broker.BaseRetryDelay, Max: c.Broker.MaxRetryDelay}
	cfg.DefaultMaxRetries = c.Broker.DefaultMaxRetries
	cfg.ResultTTL = c.Broker.ResultTTL
	cfg.AutoCreateQueues = c.Broker.AutoCreateQueues
	cfg.DeadLetter = c.DeadLetter()
	cfg.Queues = c.QueueDefs()
	cfg.Bindings = c.BindingDefs()
	return cfg
}

// WorkerConfig builds a worker.Config.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Concurrency:      c.Worker.Concurrency,
		Prefetch:         c.Worker.PrefetchLimit,
		Queues:           c.Worker.Queues,
		ExecutionTimeout: c.Worker.ExecutionTimeout,
	}
}

// Template returns the task enqueued by each firing of e.
func (e ScheduleEntry) Template() api.Task {
	var payload []byte
	if e.Payload != "" {
		payload = []byte(e.Payload)
	}
	return api.Task{
		Name:       e.Task,
		Queue:      e.Queue,
		RoutingKey: e.RoutingKey,
		Payload:    payload,
		MaxRetries: e.MaxRetries,
		Priority:   e.Priority,
	}
}

// NewLogger builds the slog logger described by c.Log.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
