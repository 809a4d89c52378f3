package fluxq

import (
	"database/sql"

	"github.com/petrijr/fluxq/internal/broker"
	"github.com/petrijr/fluxq/internal/results"
	"github.com/petrijr/fluxq/internal/retry"
	"github.com/petrijr/fluxq/internal/schedule"
	"github.com/petrijr/fluxq/internal/taskqueue"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Task          = api.Task
	Delivery      = api.Delivery
	Queue         = api.Queue
	Binding       = api.Binding
	State         = api.State
	TaskResult    = api.TaskResult
	Handler       = api.Handler
	HandlerFunc   = api.HandlerFunc
	Result        = api.Result
	Outcome       = api.Outcome
	Registry      = api.Registry
	Option        = api.Option
	RequeueReason = api.RequeueReason

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Broker          = broker.Broker
	BrokerConfig    = broker.Config
	Pool            = worker.Pool
	WorkerConfig    = worker.Config
	Scheduler       = schedule.Scheduler
	SchedulerConfig = schedule.Config
	ScheduleEntry   = schedule.Entry
	Locker          = schedule.Locker

	QueueStore  = taskqueue.Store
	ResultStore = results.Store

	Backoff    = retry.Backoff
	DeadLetter = retry.DeadLetter
	Failure    = retry.Failure
)

const DefaultQueue = api.DefaultQueue

const (
	StatePending = api.StatePending
	StateStarted = api.StateStarted
	StateRetry   = api.StateRetry
	StateSuccess = api.StateSuccess
	StateFailure = api.StateFailure
	StateRevoked = api.StateRevoked
)

// Errors returned by the broker, stores and workers.
var (
	ErrBrokerUnavailable   = api.ErrBrokerUnavailable
	ErrQueueNotFound       = api.ErrQueueNotFound
	ErrLeaseExpired        = api.ErrLeaseExpired
	ErrTaskExecutionFailed = api.ErrTaskExecutionFailed
	ErrRetriesExhausted    = api.ErrRetriesExhausted
	ErrDuplicateTaskID     = api.ErrDuplicateTaskID
	ErrNotFound            = api.ErrNotFound
	ErrUnknownTask         = api.ErrUnknownTask
	ErrQueueFull           = api.ErrQueueFull
	ErrTerminalState       = api.ErrTerminalState
	ErrInvalidTask         = api.ErrInvalidTask
	ErrExecutionTimeout    = worker.ErrExecutionTimeout
)

// Handler results and helpers.
var (
	Success     = api.Success
	RetryWith   = api.RetryWith
	Fail        = api.Failure
	Abort       = api.Abort
	Func        = api.Func
	NewRegistry = api.NewRegistry

	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Submit options.
var (
	WithID         = api.WithID
	WithQueue      = api.WithQueue
	WithRoutingKey = api.WithRoutingKey
	WithETA        = api.WithETA
	WithCountdown  = api.WithCountdown
	WithMaxRetries = api.WithMaxRetries
	WithPriority   = api.WithPriority
)

// Dead-letter policies.
var (
	DeadLetterDiscard = retry.DeadLetterDiscard
	DeadLetterQueue   = retry.DeadLetterQueue
)

// DefaultBrokerConfig returns broker defaults. The dead-letter policy must
// still be chosen.
func DefaultBrokerConfig() BrokerConfig {
	return broker.DefaultConfig()
}

// NewBroker creates a broker. queue backs durable queues and may be nil for
// a purely in-memory broker; res defaults to an in-memory result store.
func NewBroker(cfg BrokerConfig, queue QueueStore, res ResultStore) (*Broker, error) {
	return broker.New(cfg, queue, res)
}

// NewWorkerPool creates a worker pool consuming from b.
func NewWorkerPool(b *Broker, reg *Registry, cfg WorkerConfig) *Pool {
	return worker.New(b, reg, cfg)
}

// NewScheduler creates a periodic task scheduler enqueueing into b. A nil
// locker coordinates only schedulers in this process.
func NewScheduler(cfg SchedulerConfig, b *Broker, locker Locker) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = b.Clock()
	}
	return schedule.New(cfg, b, locker)
}

// Queue store constructors.

// NewInMemoryQueueStore returns a non-durable queue store.
func NewInMemoryQueueStore() QueueStore {
	return taskqueue.NewInMemoryStore()
}

// NewSQLiteQueueStore returns a queue store persisted in db.
func NewSQLiteQueueStore(db *sql.DB) (QueueStore, error) {
	st, err := taskqueue.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewPostgresQueueStore returns a queue store persisted in PostgreSQL.
func NewPostgresQueueStore(db *sql.DB) (QueueStore, error) {
	st, err := taskqueue.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Result store constructors.

// NewInMemoryResultStore returns a non-durable result store.
func NewInMemoryResultStore() ResultStore {
	return results.NewInMemoryStore()
}

// NewSQLiteResultStore returns a result store persisted in db.
func NewSQLiteResultStore(db *sql.DB) (ResultStore, error) {
	st, err := results.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewPostgresResultStore returns a result store persisted in PostgreSQL.
func NewPostgresResultStore(db *sql.DB) (ResultStore, error) {
	st, err := results.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Schedule lockers.

// NewMemoryLocker coordinates schedulers within one process.
func NewMemoryLocker() Locker {
	return schedule.NewMemoryLocker()
}

// NewSQLiteLocker coordinates schedulers sharing a SQLite database.
func NewSQLiteLocker(db *sql.DB, owner string) (Locker, error) {
	st, err := schedule.NewSQLiteLocker(db, owner)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewPostgresLocker coordinates schedulers sharing a PostgreSQL database.
func NewPostgresLocker(db *sql.DB, owner string) (Locker, error) {
	st, err := schedule.NewPostgresLocker(db, owner)
	if err != nil {
		return nil, err
	}
	return st, nil
}
