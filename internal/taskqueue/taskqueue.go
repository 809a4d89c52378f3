package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

// LeaseRequest asks a Store for up to Limit deliverable tasks.
type LeaseRequest struct {
	Queues   []string
	WorkerID string
	Limit    int
	TTL      time.Duration

	// Now is the broker's notion of the current time. Stores never read the
	// wall clock themselves so visibility and deadlines stay consistent.
	Now time.Time
}

// Requeue describes how a leased task goes back into a queue.
type Requeue struct {
	// Queue moves the task to another queue (for example a dead-letter queue).
	// Empty keeps the current queue.
	Queue string

	RetryCount int

	// VisibleAt delays the task. Zero makes it visible immediately.
	VisibleAt time.Time

	// Resequence appends the task behind everything queued at the same
	// priority. Without it the task keeps its original position.
	Resequence bool
}

// Store is the durable queue store.
//
// Every method is atomic with respect to a single task: no two callers can
// hold a lease on the same task, and Ack/Requeue only act on the delivery that
// currently holds the lease.
type Store interface {
	// Put appends a task. It returns api.ErrDuplicateTaskID if a task with the
	// same id is queued or leased, and returns only once the write is durable.
	Put(ctx context.Context, task api.Task, visibleAt time.Time) error

	// Lease pops up to req.Limit visible tasks across req.Queues, highest
	// priority first and FIFO within a priority, and leases them. On error it
	// still returns every delivery it leased before failing.
	Lease(ctx context.Context, req LeaseRequest) ([]api.Delivery, error)

	// Lookup returns the delivery holding tag, or api.ErrLeaseExpired.
	Lookup(ctx context.Context, tag string) (api.Delivery, error)

	// Ack removes the task leased under tag. It reports false when the tag no
	// longer holds a lease.
	Ack(ctx context.Context, tag string) (bool, error)

	// Requeue releases the lease under tag and puts the task back according to
	// r. It reports false when the tag no longer holds a lease.
	Requeue(ctx context.Context, tag string, r Requeue) (bool, error)

	// Expired lists up to limit leases whose deadline is not after now.
	Expired(ctx context.Context, now time.Time, limit int) ([]api.Delivery, error)

	// Remove deletes a queued, unleased task. It reports false when the task is
	// leased or unknown.
	Remove(ctx context.Context, taskID string) (bool, error)

	// Len returns the number of queued (ready or delayed) tasks in queue.
	Len(ctx context.Context, queue string) (int, error)
}
