package fluxq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/fluxq/internal/broker"
	"github.com/petrijr/fluxq/internal/schedule"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/worker"
)

// LocalRunner bundles an in-memory broker, a handler registry, a worker pool
// and a scheduler to provide a simple "local runner" for development and
// tests.
//
// Typical usage:
//
//	runner := fluxq.NewLocalRunner()
//	runner.Registry.MustRegister("email.send", handler)
//
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.Submit(ctx, "email.send", payload)
//	res, _ := runner.Wait(ctx, id)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Broker is the in-memory broker used by this runner.
	Broker *Broker

	// Registry holds the task handlers run by the workers.
	Registry *Registry

	// Scheduler fires periodic entries added with Schedule.
	Scheduler *Scheduler

	logger *slog.Logger

	mu      sync.Mutex
	pool    *Pool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner with an in-memory broker that
// dead-letters failed tasks to "dead_letter".
func NewLocalRunner() *LocalRunner {
	cfg := broker.DefaultConfig()
	cfg.DeadLetter = DeadLetterQueue("dead_letter")
	r, err := NewLocalRunnerWithConfig(cfg)
	if err != nil {
		// The default configuration always validates.
		panic(err)
	}
	return r
}

// NewLocalRunnerWithConfig is like NewLocalRunner with a custom broker
// configuration. cfg.Registry is replaced by the runner's registry.
func NewLocalRunnerWithConfig(cfg BrokerConfig) (*LocalRunner, error) {
	reg := api.NewRegistry()
	cfg.Registry = reg
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b, err := broker.New(cfg, nil, nil)
	if err != nil {
		return nil, err
	}
	sched := schedule.New(schedule.Config{
		Clock:    b.Clock(),
		Observer: cfg.Observer,
		Logger:   cfg.Logger,
	}, b, nil)

	return &LocalRunner{
		Broker:    b,
		Registry:  reg,
		Scheduler: sched,
		logger:    cfg.Logger,
	}, nil
}

// Register adds a task handler.
func (r *LocalRunner) Register(name string, h Handler) error {
	return r.Registry.Register(name, h)
}

// Schedule adds a periodic entry that enqueues template on spec.
func (r *LocalRunner) Schedule(name, spec string, template Task) error {
	return r.Scheduler.Add(name, spec, template)
}

// Submit enqueues a task.
func (r *LocalRunner) Submit(ctx context.Context, name string, payload []byte, opts ...Option) (string, error) {
	return r.Broker.Submit(ctx, name, payload, opts...)
}

// StartWorkers starts a pool of 'concurrency' workers plus the broker's
// sweeper and the scheduler. They run until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("fluxq: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	if err := r.Broker.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := worker.New(r.Broker, r.Registry, worker.Config{
		Name:         "local",
		Concurrency:  concurrency,
		FetchTimeout: 100 * time.Millisecond,
		Logger:       r.logger,
	})
	if err := pool.Start(ctx); err != nil {
		cancel()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Scheduler.Run(ctx)
	}()

	r.pool = pool
	r.cancel = cancel
	r.running = true
	return nil
}

// Stop stops the workers and the scheduler, waits for running tasks and
// returns prefetched deliveries to their queues.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, pool := r.cancel, r.pool
	r.running = false
	r.cancel = nil
	r.pool = nil
	r.mu.Unlock()

	pool.Stop()
	cancel()
	r.wg.Wait()
	if err := r.Broker.Close(context.Background()); err != nil {
		r.logger.Warn("broker_close_failed", slog.Any("error", err))
	}
}

// Wait polls the task's result until it reaches a terminal state or ctx is
// done.
func (r *LocalRunner) Wait(ctx context.Context, taskID string) (TaskResult, error) {
	return WaitResult(ctx, r.Broker, taskID, 10*time.Millisecond)
}

// WaitResult polls b every interval until the task reaches a terminal state
// or ctx is done.
func WaitResult(ctx context.Context, b *Broker, taskID string, interval time.Duration) (TaskResult, error) {
	t := time.NewTimer(0)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		case <-t.C:
		}

		res, err := b.GetResult(ctx, taskID)
		if err != nil {
			return TaskResult{}, err
		}
		if res.State.Terminal() {
			return res, nil
		}
		t.Reset(interval)
	}
}
