// Package worker executes tasks delivered by a fluxq broker.
//
// A Pool runs a fixed number of workers. Each worker has a stable id, fetches
// up to Prefetch deliveries at a time and runs them one after another:
//
//   - STARTED is recorded before the handler is invoked.
//   - The handler runs under Config.ExecutionTimeout; a panic is recovered
//     and treated as a failed attempt.
//   - The handler's Result is settled with the broker: Success acks with the
//     result payload, Failure and RetryWith go through the retry engine, and
//     Abort fails the task without using its remaining retries.
//   - Tasks whose name has no registered handler fail permanently.
//
// Delivery is at-least-once. A worker that dies mid-task loses its lease when
// the broker's sweeper notices the deadline has passed, and the task is
// delivered again, so handlers should be idempotent.
//
// # Shutdown
//
// Stop stops fetching, lets running handlers finish and returns deliveries
// that were fetched but not yet started to their queues.
package worker
