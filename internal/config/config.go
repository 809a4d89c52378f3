// Package config loads fluxqd settings from a YAML file and FLUXQ_
// environment variables and validates them.
package config

import "time"

// Config holds all daemon configuration.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Store     StoreConfig     `mapstructure:"store" validate:"required"`
	Results   StoreConfig     `mapstructure:"results" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queues    []QueueConfig   `mapstructure:"queues" validate:"dive"`
	Bindings  []BindingConfig `mapstructure:"bindings" validate:"dive"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
}

// BrokerConfig mirrors broker.Config.
type BrokerConfig struct {
	LeaseDuration     time.Duration    `mapstructure:"lease_duration" validate:"gt=0"`
	SweepInterval     time.Duration    `mapstructure:"sweep_interval" validate:"gt=0"`
	PollInterval      time.Duration    `mapstructure:"poll_interval" validate:"gt=0"`
	BaseRetryDelay    time.Duration    `mapstructure:"base_retry_delay" validate:"gte=0"`
	MaxRetryDelay     time.Duration    `mapstructure:"max_retry_delay" validate:"gtefield=BaseRetryDelay"`
	DefaultMaxRetries int              `mapstructure:"default_max_retries" validate:"gte=0"`
	ResultTTL         time.Duration    `mapstructure:"result_ttl" validate:"gt=0"`
	AutoCreateQueues  bool             `mapstructure:"auto_create_queues"`
	DeadLetter        DeadLetterConfig `mapstructure:"dead_letter"`
}

// DeadLetterConfig selects what happens to terminally failed tasks.
type DeadLetterConfig struct {
	Mode  string `mapstructure:"mode" validate:"required,oneof=discard queue"`
	Queue string `mapstructure:"queue" validate:"required_if=Mode queue"`
}

// WorkerConfig configures worker pools built from this file.
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency" validate:"gt=0"`
	PrefetchLimit    int           `mapstructure:"prefetch_limit" validate:"gt=0"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" validate:"gte=0"`
	Queues           []string      `mapstructure:"queues"`
}

// StoreConfig selects a storage backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver" validate:"required,oneof=memory sqlite postgres redis mongo"`
	DSN      string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	Database string `mapstructure:"database"`
	Prefix   string `mapstructure:"prefix"`
}

// SchedulerConfig configures the periodic task scheduler.
type SchedulerConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	PollInterval time.Duration   `mapstructure:"poll_interval" validate:"gt=0"`
	Locker       string          `mapstructure:"locker" validate:"oneof=memory redis sqlite postgres"`
	LockerDSN    string          `mapstructure:"locker_dsn"`
	Entries      []ScheduleEntry `mapstructure:"entries" validate:"dive"`
}

// ScheduleEntry is a periodic task definition.
type ScheduleEntry struct {
	Name       string `mapstructure:"name" validate:"required"`
	Spec       string `mapstructure:"spec" validate:"required"`
	Task       string `mapstructure:"task" validate:"required"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
	Payload    string `mapstructure:"payload"`
	MaxRetries int    `mapstructure:"max_retries" validate:"gte=0"`
	Priority   int    `mapstructure:"priority" validate:"gte=0,lte=255"`
}

// QueueConfig declares a queue. Durable defaults to true.
type QueueConfig struct {
	Name      string `mapstructure:"name" validate:"required"`
	Durable   *bool  `mapstructure:"durable"`
	MaxLength int    `mapstructure:"max_length" validate:"gte=0"`
}

// BindingConfig routes a routing-key pattern to a queue.
type BindingConfig struct {
	Queue   string `mapstructure:"queue" validate:"required"`
	Pattern string `mapstructure:"pattern" validate:"required"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// KafkaConfig configures the lifecycle event sink. No brokers disables it.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic" validate:"required_with=Brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}
