package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome tells the worker what a handler invocation amounted to.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFailure
	OutcomeAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailure:
		return "failure"
	case OutcomeAbort:
		return "abort"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the explicit return value of a task handler.
//
// Use Success, RetryWith, Failure or Abort to build one.
type Result struct {
	Outcome Outcome
	Payload []byte
	Delay   time.Duration
	Err     error
}

// Success completes the task with an optional result payload.
func Success(payload []byte) Result {
	return Result{Outcome: OutcomeSuccess, Payload: payload}
}

// RetryWith asks for a retry after delay, provided the task still has retry
// budget. A zero delay falls back to the configured backoff.
func RetryWith(delay time.Duration, err error) Result {
	return Result{Outcome: OutcomeRetry, Delay: delay, Err: err}
}

// Failure reports a failed attempt. The retry engine decides whether the task
// runs again.
func Failure(err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err}
}

// Abort fails the task terminally without consuming the remaining retries.
func Abort(err error) Result {
	return Result{Outcome: OutcomeAbort, Err: err}
}

// Handler executes tasks of one registered name.
type Handler interface {
	Handle(ctx context.Context, task Task) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) Result

func (f HandlerFunc) Handle(ctx context.Context, task Task) Result {
	return f(ctx, task)
}

// Func adapts a plain payload function. A nil error is a Success carrying the
// returned bytes; any error is a Failure.
func Func(fn func(ctx context.Context, payload []byte) ([]byte, error)) Handler {
	return HandlerFunc(func(ctx context.Context, task Task) Result {
		out, err := fn(ctx, task.Payload)
		if err != nil {
			return Failure(err)
		}
		return Success(out)
	})
}

// Registry maps task names to handlers. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same name twice is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("%w: empty task name", ErrInvalidTask)
	}
	if h == nil {
		return fmt.Errorf("task %q: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for name or ErrUnknownTask.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return h, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
