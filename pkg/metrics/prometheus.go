// Package metrics exports task lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/fluxq/pkg/api"
)

// PromObserver is an api.Observer backed by Prometheus collectors.
type PromObserver struct {
	enqueued  *prometheus.CounterVec
	delivered *prometheus.CounterVec
	succeeded *prometheus.CounterVec
	retried   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	requeued  *prometheus.CounterVec
	revoked   prometheus.Counter
	scheduled *prometheus.CounterVec
	runtime   *prometheus.HistogramVec
	queueWait *prometheus.HistogramVec
}

var _ api.Observer = (*PromObserver)(nil)

// NewPromObserver creates the collectors and registers them with reg.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	m := &PromObserver{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxq_tasks_enqueued_total",
			Help: "Number of tasks accepted by the broker",
		}, []string{"queue", "task"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxq_tasks_delivered_total",
			Help: "Number of deliveries handed to workers",
		}, []string{"queue", "task"}),
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxq_tasks_succeeded_total",
			Help: "Number of tasks acknowledged as successful",
		}, []string{"queue", "task"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxq_tasks_retried_total",
			Help: "Number of failed attempts scheduled for retry",
		}, []string{"queue", "task"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxq_tasks_failed_total",
			Help: "Number of tasks that reached FAILURE",
		}, []string{"queue", "task"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxq_tasks_requeued_total",
			Help: "Number of deliveries returned to their queue",
		}, []string{"queue", "reason"}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxq_tasks_revoked_total",
			Help: "Number of queued tasks cancelled",
		}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxq_schedule_fired_total",
			Help: "Number of periodic firings enqueued",
		}, []string{"entry"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fluxq_task_runtime_seconds",
			Help:    "Time from lease to acknowledgement",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "task"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fluxq_task_queue_wait_seconds",
			Help:    "Time from creation to first delivery",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"queue"}),
	}
	reg.MustRegister(
		m.enqueued, m.delivered, m.succeeded, m.retried, m.failed,
		m.requeued, m.revoked, m.scheduled, m.runtime, m.queueWait,
	)
	return m
}

func (m *PromObserver) OnEnqueued(ctx context.Context, task api.Task) {
	m.enqueued.WithLabelValues(task.Queue, task.Name).Inc()
}

func (m *PromObserver) OnDelivered(ctx context.Context, d api.Delivery) {
	m.delivered.WithLabelValues(d.Task.Queue, d.Task.Name).Inc()
	if d.Attempt == 1 && !d.Task.CreatedAt.IsZero() {
		start := d.Task.CreatedAt
		if d.Task.ETA.After(start) {
			start = d.Task.ETA
		}
		m.queueWait.WithLabelValues(d.Task.Queue).Observe(max(d.LeasedAt.Sub(start), 0).Seconds())
	}
}

func (m *PromObserver) OnSucceeded(ctx context.Context, d api.Delivery, elapsed time.Duration) {
	m.succeeded.WithLabelValues(d.Task.Queue, d.Task.Name).Inc()
	m.runtime.WithLabelValues(d.Task.Queue, d.Task.Name).Observe(elapsed.Seconds())
}

func (m *PromObserver) OnRetried(ctx context.Context, d api.Delivery, delay time.Duration, err error) {
	m.retried.WithLabelValues(d.Task.Queue, d.Task.Name).Inc()
}

func (m *PromObserver) OnFailed(ctx context.Context, d api.Delivery, err error) {
	m.failed.WithLabelValues(d.Task.Queue, d.Task.Name).Inc()
}

func (m *PromObserver) OnRequeued(ctx context.Context, d api.Delivery, reason api.RequeueReason) {
	m.requeued.WithLabelValues(d.Task.Queue, string(reason)).Inc()
}

func (m *PromObserver) OnRevoked(ctx context.Context, taskID string) {
	m.revoked.Inc()
}

func (m *PromObserver) OnScheduled(ctx context.Context, entry string, task api.Task) {
	m.scheduled.WithLabelValues(entry).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
