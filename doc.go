// Package fluxq provides a distributed background-task system for Go.
//
// Producers submit named tasks with opaque payloads. A broker routes them
// into queues and hands them to workers under time-bounded leases. Workers
// execute registered handlers and report the outcome, and the broker records
// every state change in a result store that callers can poll.
//
// # Core Concepts
//
// The fluxq programming model is small:
//
//  1. Broker
//  2. Handler and Registry
//  3. Pool (workers)
//  4. Scheduler
//  5. LocalRunner and WorkerBundle
//
// # Broker
//
// The Broker owns queues, bindings, leases and the retry engine. It provides
// APIs to:
//   - submit or enqueue tasks, optionally delayed with an ETA or countdown
//   - fetch deliveries for a worker with a prefetch limit
//   - settle deliveries with Ack, Nack or Fail
//   - cancel queued tasks and read task results
//
// Durable queues can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Results use the same backends. A background sweep reclaims deliveries
// whose lease expired, so a crashed worker never loses a task.
//
// # Delivery guarantees
//
// Delivery is at-least-once. A task whose worker dies mid-execution is
// delivered again once its lease expires, so handlers must be idempotent.
// Terminal states (SUCCESS, FAILURE, REVOKED) are never overwritten.
//
// # Retries
//
// A failed attempt is retried after base * 2^retry_count, capped at the
// configured maximum, until the task's retry budget is spent. The task then
// goes to the dead-letter queue or is discarded:
//
//	cfg := fluxq.DefaultBrokerConfig()
//	fluxq.Retry(5).
//	    WithExponentialBackoff(time.Second, time.Minute).
//	    DeadLetterTo("dead_letter").
//	    Apply(&cfg)
//
// Handlers may also return RetryWith to choose the delay themselves, or
// Abort to fail without retrying.
//
// # Scheduler
//
// A Scheduler enqueues task templates on cron expressions. Several
// schedulers may run against the same broker; a Locker makes sure each
// firing is enqueued once.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory broker, a registry, a worker pool and a
// scheduler into one process-local helper for development and tests.
// WorkerBundle does the same on a single SQLite file and survives restarts.
//
// For the standalone daemon, see cmd/fluxqd.
package fluxq
