package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RequeueReason says why a delivery went back to its queue.
type RequeueReason string

const (
	RequeueNack     RequeueReason = "nack"
	RequeueExpired  RequeueReason = "lease_expired"
	RequeueShutdown RequeueReason = "shutdown"
)

// Observer receives callbacks from the broker, workers and scheduler for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task delivery.
type Observer interface {
	// OnEnqueued is called after a task was durably accepted.
	OnEnqueued(ctx context.Context, task Task)

	// OnDelivered is called for every delivery handed to a worker.
	OnDelivered(ctx context.Context, d Delivery)

	// OnSucceeded is called after a delivery was acknowledged. elapsed is
	// measured from the lease time.
	OnSucceeded(ctx context.Context, d Delivery, elapsed time.Duration)

	// OnRetried is called when a failed delivery was scheduled to run again.
	OnRetried(ctx context.Context, d Delivery, delay time.Duration, err error)

	// OnFailed is called when a task reached the terminal FAILURE state.
	OnFailed(ctx context.Context, d Delivery, err error)

	// OnRequeued is called when a delivery was returned to its queue without
	// consuming retry budget.
	OnRequeued(ctx context.Context, d Delivery, reason RequeueReason)

	// OnRevoked is called when a queued task was cancelled.
	OnRevoked(ctx context.Context, taskID string)

	// OnScheduled is called when a periodic entry fired and enqueued a task.
	OnScheduled(ctx context.Context, entry string, task Task)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEnqueued(ctx context.Context, task Task)                                {}
func (NoopObserver) OnDelivered(ctx context.Context, d Delivery)                              {}
func (NoopObserver) OnSucceeded(ctx context.Context, d Delivery, elapsed time.Duration)       {}
func (NoopObserver) OnRetried(ctx context.Context, d Delivery, delay time.Duration, err error) {}
func (NoopObserver) OnFailed(ctx context.Context, d Delivery, err error)                      {}
func (NoopObserver) OnRequeued(ctx context.Context, d Delivery, reason RequeueReason)         {}
func (NoopObserver) OnRevoked(ctx context.Context, taskID string)                             {}
func (NoopObserver) OnScheduled(ctx context.Context, entry string, task Task)                 {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEnqueued(ctx context.Context, task Task) {
	for _, o := range c.observers {
		o.OnEnqueued(ctx, task)
	}
}

func (c *CompositeObserver) OnDelivered(ctx context.Context, d Delivery) {
	for _, o := range c.observers {
		o.OnDelivered(ctx, d)
	}
}

func (c *CompositeObserver) OnSucceeded(ctx context.Context, d Delivery, elapsed time.Duration) {
	for _, o := range c.observers {
		o.OnSucceeded(ctx, d, elapsed)
	}
}

func (c *CompositeObserver) OnRetried(ctx context.Context, d Delivery, delay time.Duration, err error) {
	for _, o := range c.observers {
		o.OnRetried(ctx, d, delay, err)
	}
}

func (c *CompositeObserver) OnFailed(ctx context.Context, d Delivery, err error) {
	for _, o := range c.observers {
		o.OnFailed(ctx, d, err)
	}
}

func (c *CompositeObserver) OnRequeued(ctx context.Context, d Delivery, reason RequeueReason) {
	for _, o := range c.observers {
		o.OnRequeued(ctx, d, reason)
	}
}

func (c *CompositeObserver) OnRevoked(ctx context.Context, taskID string) {
	for _, o := range c.observers {
		o.OnRevoked(ctx, taskID)
	}
}

func (c *CompositeObserver) OnScheduled(ctx context.Context, entry string, task Task) {
	for _, o := range c.observers {
		o.OnScheduled(ctx, entry, task)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEnqueued(ctx context.Context, task Task) {
	o.Logger.DebugContext(ctx, "task_enqueued",
		slog.String("task", task.Name),
		slog.String("task_id", task.ID),
		slog.String("queue", task.Queue),
		slog.Int("priority", task.Priority),
	)
}

func (o *LoggingObserver) OnDelivered(ctx context.Context, d Delivery) {
	o.Logger.DebugContext(ctx, "task_delivered",
		slog.String("task", d.Task.Name),
		slog.String("task_id", d.Task.ID),
		slog.String("worker_id", d.WorkerID),
		slog.String("delivery_tag", d.Tag),
		slog.Int("attempt", d.Attempt),
	)
}

func (o *LoggingObserver) OnSucceeded(ctx context.Context, d Delivery, elapsed time.Duration) {
	o.Logger.InfoContext(ctx, "task_succeeded",
		slog.String("task", d.Task.Name),
		slog.String("task_id", d.Task.ID),
		slog.String("worker_id", d.WorkerID),
		slog.Duration("duration", elapsed),
	)
}

func (o *LoggingObserver) OnRetried(ctx context.Context, d Delivery, delay time.Duration, err error) {
	o.Logger.WarnContext(ctx, "task_retry",
		slog.String("task", d.Task.Name),
		slog.String("task_id", d.Task.ID),
		slog.Int("retry_count", d.Task.RetryCount+1),
		slog.Int("max_retries", d.Task.MaxRetries),
		slog.Duration("countdown", delay),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnFailed(ctx context.Context, d Delivery, err error) {
	o.Logger.ErrorContext(ctx, "task_failed",
		slog.String("task", d.Task.Name),
		slog.String("task_id", d.Task.ID),
		slog.Int("attempt", d.Attempt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRequeued(ctx context.Context, d Delivery, reason RequeueReason) {
	level := slog.LevelDebug
	if reason == RequeueExpired {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "task_requeued",
		slog.String("task", d.Task.Name),
		slog.String("task_id", d.Task.ID),
		slog.String("worker_id", d.WorkerID),
		slog.String("reason", string(reason)),
	)
}

func (o *LoggingObserver) OnRevoked(ctx context.Context, taskID string) {
	o.Logger.InfoContext(ctx, "task_revoked", slog.String("task_id", taskID))
}

func (o *LoggingObserver) OnScheduled(ctx context.Context, entry string, task Task) {
	o.Logger.InfoContext(ctx, "schedule_fired",
		slog.String("entry", entry),
		slog.String("task", task.Name),
		slog.String("task_id", task.ID),
	)
}

// BasicMetrics collects simple counters and aggregate run durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	enqueued      atomic.Int64
	delivered     atomic.Int64
	succeeded     atomic.Int64
	retried       atomic.Int64
	failed        atomic.Int64
	requeued      atomic.Int64
	expired       atomic.Int64
	revoked       atomic.Int64
	totalDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Enqueued  int64
	Delivered int64
	Succeeded int64
	Retried   int64
	Failed    int64
	Requeued  int64
	Expired   int64
	Revoked   int64

	AvgDuration time.Duration
}

func (m *BasicMetrics) OnEnqueued(ctx context.Context, task Task) {
	m.enqueued.Add(1)
}

func (m *BasicMetrics) OnDelivered(ctx context.Context, d Delivery) {
	m.delivered.Add(1)
}

func (m *BasicMetrics) OnSucceeded(ctx context.Context, d Delivery, elapsed time.Duration) {
	m.succeeded.Add(1)
	m.totalDuration.Add(elapsed.Nanoseconds())
}

func (m *BasicMetrics) OnRetried(ctx context.Context, d Delivery, delay time.Duration, err error) {
	m.retried.Add(1)
}

func (m *BasicMetrics) OnFailed(ctx context.Context, d Delivery, err error) {
	m.failed.Add(1)
}

func (m *BasicMetrics) OnRequeued(ctx context.Context, d Delivery, reason RequeueReason) {
	m.requeued.Add(1)
	if reason == RequeueExpired {
		m.expired.Add(1)
	}
}

func (m *BasicMetrics) OnRevoked(ctx context.Context, taskID string) {
	m.revoked.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	succeeded := m.succeeded.Load()
	totalNs := m.totalDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		Enqueued:    m.enqueued.Load(),
		Delivered:   m.delivered.Load(),
		Succeeded:   succeeded,
		Retried:     m.retried.Load(),
		Failed:      m.failed.Load(),
		Requeued:    m.requeued.Load(),
		Expired:     m.expired.Load(),
		Revoked:     m.revoked.Load(),
		AvgDuration: avg,
	}
}
