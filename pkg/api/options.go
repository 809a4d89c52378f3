package api

import "time"

// SubmitOptions are the producer-side knobs for a single task.
type SubmitOptions struct {
	ID         string
	Queue      string
	RoutingKey string
	ETA        time.Time
	Countdown  time.Duration
	MaxRetries *int
	Priority   int
}

// Option mutates SubmitOptions.
type Option func(*SubmitOptions)

// WithQueue sends the task to a named queue, bypassing bindings.
func WithQueue(name string) Option {
	return func(o *SubmitOptions) { o.Queue = name }
}

// WithRoutingKey sets the key matched against queue bindings.
func WithRoutingKey(key string) Option {
	return func(o *SubmitOptions) { o.RoutingKey = key }
}

// WithETA delays delivery until at.
func WithETA(at time.Time) Option {
	return func(o *SubmitOptions) { o.ETA = at }
}

// WithCountdown delays delivery by d from submission time.
func WithCountdown(d time.Duration) Option {
	return func(o *SubmitOptions) { o.Countdown = d }
}

// WithMaxRetries overrides the broker's default retry budget.
func WithMaxRetries(n int) Option {
	return func(o *SubmitOptions) { o.MaxRetries = &n }
}

// WithPriority sets the task priority in [MinPriority, MaxPriority].
func WithPriority(p int) Option {
	return func(o *SubmitOptions) { o.Priority = p }
}

// WithID supplies the task id instead of generating one. It must be a UUID.
func WithID(id string) Option {
	return func(o *SubmitOptions) { o.ID = id }
}

// ApplyOptions folds opts into a SubmitOptions value.
func ApplyOptions(opts ...Option) SubmitOptions {
	var o SubmitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
