package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultQueue receives tasks that name no queue and match no binding.
	DefaultQueue = "default"

	MinPriority = 0
	MaxPriority = 255
)

// Task is a unit of deferred work submitted by a producer.
//
// A Task is immutable once enqueued, except for RetryCount which only the
// retry engine bumps before re-enqueueing the same ID.
type Task struct {
	ID         string
	Name       string
	Queue      string
	RoutingKey string
	Payload    []byte
	CreatedAt  time.Time
	MaxRetries int
	RetryCount int

	// ETA is the earliest time the task may be delivered. Zero means now.
	ETA time.Time

	// Priority orders tasks inside a queue; higher values are delivered first.
	Priority int
}

// NewTaskID returns a fresh random task id.
func NewTaskID() string {
	return uuid.NewString()
}

// Validate checks the producer-controlled fields.
func (t Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty task name", ErrInvalidTask)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max retries %d", ErrInvalidTask, t.MaxRetries)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry count %d", ErrInvalidTask, t.RetryCount)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", ErrInvalidTask, t.Priority, MinPriority, MaxPriority)
	}
	if t.ID != "" {
		if _, err := uuid.Parse(t.ID); err != nil {
			return fmt.Errorf("%w: task id %q is not a UUID", ErrInvalidTask, t.ID)
		}
	}
	return nil
}

// Delivery is one worker's time-bounded custody of a task.
type Delivery struct {
	Task     Task
	WorkerID string

	// Tag identifies this delivery. A redelivery of the same task gets a new tag,
	// so acks for an older delivery never touch the current one.
	Tag string

	LeasedAt time.Time
	Deadline time.Time

	// Attempt is the 1-based number of times the task has been delivered.
	Attempt int
}

// Expired reports whether the lease deadline has passed at now.
func (d Delivery) Expired(now time.Time) bool {
	return !now.Before(d.Deadline)
}

// Queue describes a named holding area for tasks.
type Queue struct {
	Name string

	// Durable queues survive a broker restart. Non-durable queues live in memory
	// and lose their content when the process exits.
	Durable bool

	// MaxLength caps the number of queued (not leased) tasks. Zero means unbounded.
	MaxLength int
}

// Binding routes tasks whose routing key matches Pattern into Queue.
//
// Patterns use topic syntax: words are separated by '.', '*' matches exactly
// one word and '#' matches zero or more words.
type Binding struct {
	Queue   string
	Pattern string
}

// State is the lifecycle state of a task as seen by the result store.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateRetry   State = "RETRY"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateStarted, StateRetry, StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// TaskResult is the latest recorded state of a task.
type TaskResult struct {
	TaskID    string
	State     State
	Payload   []byte
	Error     string
	UpdatedAt time.Time

	// ExpiresAt is set for terminal results; zero means the record never expires.
	ExpiresAt time.Time
}

// Expired reports whether the record has passed its retention at now.
func (r TaskResult) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
