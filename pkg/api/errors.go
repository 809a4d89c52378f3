package api

import "errors"

var (
	// ErrBrokerUnavailable is returned when the queue or result store could not
	// durably accept a read or write. The task was not accepted; callers retry.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrQueueNotFound is returned when a queue does not exist and auto-create is off.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrLeaseExpired marks an ack or nack for a delivery the broker already
	// reclaimed. The broker logs it and treats the call as a no-op.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrTaskExecutionFailed wraps errors returned or raised by a task handler.
	ErrTaskExecutionFailed = errors.New("task execution failed")

	// ErrRetriesExhausted is the error recorded for tasks that failed terminally
	// after using their retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrDuplicateTaskID is returned when a producer-supplied id collides with a
	// task that has not reached a terminal state.
	ErrDuplicateTaskID = errors.New("duplicate task id")

	// ErrNotFound is returned by result lookups for unknown or expired ids.
	ErrNotFound = errors.New("task result not found")

	// ErrUnknownTask is returned at enqueue time for unregistered task names.
	ErrUnknownTask = errors.New("unknown task name")

	// ErrQueueFull is returned when a queue reached its MaxLength.
	ErrQueueFull = errors.New("queue full")

	// ErrTerminalState is returned when a result transition would move a
	// terminal record.
	ErrTerminalState = errors.New("task result already terminal")

	// ErrInvalidTask is returned for tasks that fail validation.
	ErrInvalidTask = errors.New("invalid task")
)
