package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/petrijr/fluxq/internal/retry"
	"github.com/petrijr/fluxq/pkg/api"
)

// ErrExecutionTimeout is the failure recorded when a handler outlives
// Config.ExecutionTimeout.
var ErrExecutionTimeout = errors.New("task execution timed out")

// Broker is the part of the broker a worker pool talks to.
type Broker interface {
	Fetch(ctx context.Context, workerID string, queues []string, prefetch int, timeout time.Duration) ([]api.Delivery, error)
	RecordStarted(ctx context.Context, d api.Delivery) error
	AckWithResult(ctx context.Context, tag string, payload []byte) error
	Nack(ctx context.Context, tag string, requeue bool) error
	Fail(ctx context.Context, tag string, f retry.Failure) error
}

// Config configures a Pool.
type Config struct {
	// Name prefixes worker ids: "<name>-0", "<name>-1", ... Defaults to the
	// host name and process id.
	Name string

	// Concurrency is the number of workers, each running one task at a time.
	Concurrency int

	// Prefetch bounds the unacknowledged deliveries a single worker holds.
	Prefetch int

	// Queues consumed by every worker. Defaults to the default queue.
	Queues []string

	// ExecutionTimeout bounds one handler invocation. Zero means no limit.
	ExecutionTimeout time.Duration

	// FetchTimeout is how long an idle worker waits in Fetch before looping.
	FetchTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:  1,
		Prefetch:     1,
		Queues:       []string{api.DefaultQueue},
		FetchTimeout: time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = host + "-" + strconv.Itoa(os.Getpid())
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Prefetch <= 0 {
		c.Prefetch = def.Prefetch
	}
	if len(c.Queues) == 0 {
		c.Queues = def.Queues
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool runs Concurrency workers that fetch deliveries from a broker and
// execute them with handlers from a registry.
type Pool struct {
	broker   Broker
	registry *api.Registry
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a pool. Call Start to begin consuming.
func New(b Broker, registry *api.Registry, cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{
		broker:   b,
		registry: registry,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// WorkerID returns the stable id of worker i.
func (p *Pool) WorkerID(i int) string {
	return p.cfg.Name + "-" + strconv.Itoa(i)
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("fluxq: worker pool already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		go func(id string) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(p.WorkerID(i))
	}

	p.log.Info("worker_pool_started",
		slog.String("name", p.cfg.Name),
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Int("prefetch", p.cfg.Prefetch),
		slog.Any("queues", p.cfg.Queues),
	)
	return nil
}

// Stop stops fetching and waits for running tasks to finish. Deliveries
// fetched but not started are returned to their queues.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.log.Info("worker_pool_stopped", slog.String("name", p.cfg.Name))
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		ds, err := p.broker.Fetch(ctx, workerID, p.cfg.Queues, p.cfg.Prefetch, p.cfg.FetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.log.Warn("fetch_failed", slog.String("worker_id", workerID), slog.Any("error", err))
			p.pause(ctx)
			continue
		}

		for i, d := range ds {
			if ctx.Err() != nil {
				p.release(ds[i:])
				return
			}
			p.Process(ctx, d)
		}
	}
}

// pause backs off after a broker error so a dead store is not hammered.
func (p *Pool) pause(ctx context.Context) {
	t := time.NewTimer(p.cfg.FetchTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) release(ds []api.Delivery) {
	ctx := context.Background()
	for _, d := range ds {
		if err := p.broker.Nack(ctx, d.Tag, true); err != nil {
			p.log.Warn("release_failed", slog.String("task_id", d.Task.ID), slog.Any("error", err))
		}
	}
}

// ProcessOne fetches at most one delivery for worker 0 and executes it. It
// reports whether a task was processed. It is meant for tests and callers
// that drive the loop themselves.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	ds, err := p.broker.Fetch(ctx, p.WorkerID(0), p.cfg.Queues, 1, p.cfg.FetchTimeout)
	if err != nil {
		return false, err
	}
	if len(ds) == 0 {
		return false, nil
	}
	p.Process(ctx, ds[0])
	return true, nil
}

// Process executes one delivery and settles it with the broker. Handler
// errors and panics never escape; they become failures for the retry engine.
// Settlement runs even if ctx is cancelled meanwhile.
func (p *Pool) Process(ctx context.Context, d api.Delivery) {
	settle := context.WithoutCancel(ctx)
	log := p.log.With(
		slog.String("task_id", d.Task.ID),
		slog.String("task_name", d.Task.Name),
		slog.String("worker_id", d.WorkerID),
		slog.Int("attempt", d.Attempt),
	)

	if err := p.broker.RecordStarted(settle, d); err != nil && !errors.Is(err, api.ErrTerminalState) {
		// Without STARTED recorded the broker state is unknown; hand the
		// task back rather than run it blind.
		log.Warn("record_started_failed", slog.Any("error", err))
		if err := p.broker.Nack(settle, d.Tag, true); err != nil {
			log.Warn("nack_failed", slog.Any("error", err))
		}
		return
	}

	h, err := p.registry.Lookup(d.Task.Name)
	if err != nil {
		log.Error("unknown_task", slog.Any("error", err))
		p.fail(settle, log, d, retry.Failure{Err: err, Permanent: true})
		return
	}

	start := time.Now()
	res := p.invoke(ctx, h, d.Task)
	log.Debug("task_executed",
		slog.String("outcome", res.Outcome.String()),
		slog.Duration("elapsed", time.Since(start)),
	)

	switch res.Outcome {
	case api.OutcomeSuccess:
		if err := p.broker.AckWithResult(settle, d.Tag, res.Payload); err != nil {
			log.Warn("ack_failed", slog.Any("error", err))
		}
	case api.OutcomeRetry:
		p.fail(settle, log, d, retry.Failure{Err: orDefault(res.Err, "retry requested"), Delay: res.Delay})
	case api.OutcomeFailure:
		p.fail(settle, log, d, retry.Failure{Err: orDefault(res.Err, "task failed")})
	case api.OutcomeAbort:
		p.fail(settle, log, d, retry.Failure{Err: orDefault(res.Err, "task aborted"), Permanent: true})
	default:
		p.fail(settle, log, d, retry.Failure{Err: fmt.Errorf("unknown outcome %s", res.Outcome), Permanent: true})
	}
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, d api.Delivery, f retry.Failure) {
	if err := p.broker.Fail(ctx, d.Tag, f); err != nil {
		log.Warn("fail_failed", slog.Any("error", err))
	}
}

// invoke runs the handler under the execution timeout. A handler that
// ignores its context is abandoned when the timeout fires.
func (p *Pool) invoke(ctx context.Context, h api.Handler, task api.Task) api.Result {
	// Stopping the pool lets running handlers finish.
	ctx = context.WithoutCancel(ctx)
	if p.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
		defer cancel()
	}

	done := make(chan api.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("task_panicked",
					slog.String("task_id", task.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- api.Failure(fmt.Errorf("panic: %v", r))
			}
		}()
		done <- h.Handle(ctx, task)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return api.Failure(fmt.Errorf("%w after %s", ErrExecutionTimeout, p.cfg.ExecutionTimeout))
	}
}

func orDefault(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
