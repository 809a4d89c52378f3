// Package retry decides what happens to a failed delivery: another attempt
// after an exponential countdown, or a terminal failure that is either
// dead-lettered or discarded.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

// ErrNoDeadLetterPolicy is returned when a Policy has no explicit
// dead-letter configuration.
var ErrNoDeadLetterPolicy = errors.New("retry: dead-letter policy not configured")

// Backoff computes retry countdowns as Base * 2^n, capped at Max.
// A non-positive Max leaves the countdown uncapped.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Countdown returns the delay before retry number retryCount+1.
// It is non-decreasing in retryCount and never exceeds Max.
func (b Backoff) Countdown(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	limit := b.Max
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	if retryCount < 0 {
		retryCount = 0
	}

	d := b.Base
	for i := 0; i < retryCount; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// Clamp caps an explicitly requested delay at Max.
func (b Backoff) Clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// DeadLetter says where terminally failed tasks go.
type DeadLetter struct {
	queue   string
	discard bool
}

// DeadLetterDiscard drops terminally failed tasks after recording FAILURE.
var DeadLetterDiscard = DeadLetter{discard: true}

// DeadLetterQueue routes terminally failed tasks to the named queue.
func DeadLetterQueue(name string) DeadLetter {
	return DeadLetter{queue: name}
}

// Queue returns the dead-letter queue name, or "" when discarding.
func (d DeadLetter) Queue() string { return d.queue }

// Discard reports whether failed tasks are dropped.
func (d DeadLetter) Discard() bool { return d.discard }

// Validate rejects the zero DeadLetter.
func (d DeadLetter) Validate() error {
	if !d.discard && d.queue == "" {
		return ErrNoDeadLetterPolicy
	}
	return nil
}

func (d DeadLetter) String() string {
	switch {
	case d.discard:
		return "discard"
	case d.queue != "":
		return "queue:" + d.queue
	default:
		return "unset"
	}
}

// Failure reports a failed execution of a delivery.
type Failure struct {
	Err error

	// Delay overrides the computed countdown when > 0.
	Delay time.Duration

	// Permanent skips any remaining retries.
	Permanent bool
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	// Retry requeues the task with RetryCount and Delay.
	Retry      bool
	RetryCount int
	Delay      time.Duration

	// For terminal decisions: DeadLetterQueue is the target queue, empty when
	// the task is discarded. Err is the error recorded on the result.
	DeadLetterQueue string
	Err             error
}

// Policy combines backoff with dead-letter routing.
type Policy struct {
	Backoff    Backoff
	DeadLetter DeadLetter
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.Backoff.Base < 0 || p.Backoff.Max < 0 {
		return fmt.Errorf("retry: negative backoff %v/%v", p.Backoff.Base, p.Backoff.Max)
	}
	return p.DeadLetter.Validate()
}

// Remaining reports whether d may be retried once more. Both the persisted
// retry count and the number of deliveries handed out count against
// MaxRetries, so a task never runs more than MaxRetries+1 times even when
// leases expire mid-execution.
func Remaining(d api.Delivery) bool {
	limit := d.Task.MaxRetries
	return d.Task.RetryCount < limit && d.Attempt < limit+1
}

// Decide chooses between another attempt and a terminal failure.
func (p Policy) Decide(d api.Delivery, f Failure) Decision {
	cause := f.Err
	if cause == nil {
		cause = errors.New("task failed")
	}

	if !f.Permanent && Remaining(d) {
		delay := p.Backoff.Countdown(d.Task.RetryCount)
		if f.Delay > 0 {
			delay = p.Backoff.Clamp(f.Delay)
		}
		return Decision{
			Retry:      true,
			RetryCount: d.Task.RetryCount + 1,
			Delay:      delay,
			Err:        fmt.Errorf("%w: %w", api.ErrTaskExecutionFailed, cause),
		}
	}

	err := fmt.Errorf("%w: %w", api.ErrTaskExecutionFailed, cause)
	if !f.Permanent {
		err = fmt.Errorf("%w after %d attempts: %w", api.ErrRetriesExhausted, d.Attempt, cause)
	}
	return Decision{
		RetryCount:      d.Task.RetryCount,
		DeadLetterQueue: p.DeadLetter.Queue(),
		Err:             err,
	}
}

// Exhausted builds the terminal decision for a delivery whose budget ran out
// without an execution result, for example after repeated lease expiry.
func (p Policy) Exhausted(d api.Delivery, cause error) Decision {
	return Decision{
		RetryCount:      d.Task.RetryCount,
		DeadLetterQueue: p.DeadLetter.Queue(),
		Err:             fmt.Errorf("%w after %d deliveries: %w", api.ErrRetriesExhausted, d.Attempt, cause),
	}
}
