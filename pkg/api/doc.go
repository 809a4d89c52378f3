// Package api contains the core types shared by the fluxq broker, workers
// and scheduler.
//
// Most users interact with the higher-level fluxq package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations such as alternative queue stores, result stores or
// observers.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Tasks, deliveries and queues
//   - Task states and results
//   - Handlers and the handler registry
//   - Observability
//
// # Tasks and Deliveries
//
// A Task is a named unit of work with an opaque payload. Once enqueued it is
// immutable, except for RetryCount which only the retry engine increments.
//
// A Delivery is one worker's time-bounded custody of a task. Each delivery
// carries a unique Tag; acknowledging an old tag never touches a newer
// delivery of the same task.
//
// # States
//
// Results move through PENDING, STARTED and RETRY and end in one of the
// terminal states SUCCESS, FAILURE or REVOKED. Terminal records are never
// overwritten.
//
// # Handlers
//
// Handlers return an explicit Result built with Success, RetryWith, Failure
// or Abort. Func adapts a plain payload function:
//
//	reg := api.NewRegistry()
//	reg.MustRegister("thumbnail", api.Func(func(ctx context.Context, p []byte) ([]byte, error) {
//	    return resize(p)
//	}))
//
// # Observability
//
// The Observer interface receives lifecycle callbacks. LoggingObserver writes
// structured logs through log/slog, BasicMetrics keeps in-process counters and
// NewCompositeObserver fans out to several observers.
//
// # Errors
//
// The sentinel errors in this package form the error taxonomy of the system.
// Callers match them with errors.Is.
package api
