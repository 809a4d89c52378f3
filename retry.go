package fluxq

import "time"

// RetryBuilder provides a fluent way to configure the broker's retry
// engine: the default retry budget, the backoff curve and where terminally
// failed tasks go.
type RetryBuilder struct {
	maxRetries int
	backoff    Backoff
	deadLetter DeadLetter
}

// Retry creates a RetryBuilder allowing maxRetries retries after the first
// attempt, so a task runs at most maxRetries+1 times.
//
// maxRetries < 0 is treated as 0 (no retries).
func Retry(maxRetries int) RetryBuilder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	def := DefaultBrokerConfig()
	return RetryBuilder{
		maxRetries: maxRetries,
		backoff:    def.Backoff,
		deadLetter: DeadLetterQueue("dead_letter"),
	}
}

// WithExponentialBackoff sets the countdown to base * 2^retry_count, capped
// at max.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(base, max time.Duration) RetryBuilder {
	r.backoff = Backoff{Base: base, Max: max}
	return r
}

// WithConstantBackoff retries after the same delay every time.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.backoff = Backoff{Base: delay, Max: delay}
	return r
}

// DeadLetterTo routes terminally failed tasks to queue.
func (r RetryBuilder) DeadLetterTo(queue string) RetryBuilder {
	r.deadLetter = DeadLetterQueue(queue)
	return r
}

// Discard drops terminally failed tasks after recording FAILURE.
func (r RetryBuilder) Discard() RetryBuilder {
	r.deadLetter = DeadLetterDiscard
	return r
}

// MaxRetries returns the configured retry budget.
func (r RetryBuilder) MaxRetries() int { return r.maxRetries }

// Backoff returns the configured backoff.
func (r RetryBuilder) Backoff() Backoff { return r.backoff }

// Apply writes the retry settings into cfg.
func (r RetryBuilder) Apply(cfg *BrokerConfig) {
	cfg.DefaultMaxRetries = r.maxRetries
	cfg.Backoff = r.backoff
	cfg.DeadLetter = r.deadLetter
}

// Option returns a submit option overriding the retry budget of one task.
func (r RetryBuilder) Option() Option {
	return WithMaxRetries(r.maxRetries)
}
