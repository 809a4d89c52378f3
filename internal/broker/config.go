package broker

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/fluxq/internal/retry"
	"github.com/petrijr/fluxq/pkg/api"
)

// Config configures a Broker.
type Config struct {
	// LeaseDuration is how long a delivery may stay unacknowledged before the
	// sweeper reclaims it.
	LeaseDuration time.Duration

	// SweepInterval is the period of the lease-expiry sweep.
	SweepInterval time.Duration

	// SweepBatch caps the expired leases handled per store per sweep.
	SweepBatch int

	// PollInterval bounds how long a waiting Fetch sleeps between store
	// polls. Enqueues in this process wake waiters immediately; the poll
	// covers delayed tasks and other processes.
	PollInterval time.Duration

	// Backoff computes retry countdowns (base_retry_delay, max_retry_delay).
	Backoff retry.Backoff

	// DeadLetter must be set explicitly: retry.DeadLetterDiscard or
	// retry.DeadLetterQueue(name).
	DeadLetter retry.DeadLetter

	// DefaultMaxRetries applies to submitted tasks without an explicit
	// retry budget.
	DefaultMaxRetries int

	// ResultTTL is how long terminal results remain readable.
	ResultTTL time.Duration

	// AutoCreateQueues declares unknown queues on first use instead of
	// failing with api.ErrQueueNotFound.
	AutoCreateQueues bool

	// Queues and Bindings are declared when the broker is created. The
	// default queue always exists.
	Queues   []api.Queue
	Bindings []api.Binding

	// Registry, when set, rejects unknown task names at enqueue time.
	Registry *api.Registry

	// StoreRetries is the number of retries for transient store errors
	// before api.ErrBrokerUnavailable is returned.
	StoreRetries uint64

	Observer api.Observer
	Logger   *slog.Logger
	Clock    clockwork.Clock
}

// DefaultConfig returns a Config with sensible defaults. DeadLetter is left
// for the caller to choose.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:     30 * time.Second,
		SweepInterval:     time.Second,
		SweepBatch:        1000,
		PollInterval:      200 * time.Millisecond,
		Backoff:           retry.Backoff{Base: time.Second, Max: time.Hour},
		DefaultMaxRetries: 3,
		ResultTTL:         24 * time.Hour,
		StoreRetries:      3,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = def.SweepBatch
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = def.Backoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Backoff.Max
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = def.ResultTTL
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}
