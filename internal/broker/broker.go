// Package broker routes tasks into queues, hands them to workers under
// time-bounded leases and settles each delivery through ack, nack or the
// retry engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	goretry "github.com/sethvargo/go-retry"

	"github.com/petrijr/fluxq/internal/results"
	"github.com/petrijr/fluxq/internal/retry"
	"github.com/petrijr/fluxq/internal/taskqueue"
	"github.com/petrijr/fluxq/pkg/api"
)

var errNacked = errors.New("delivery rejected by worker")

// inflight records which store holds a delivery handed out by this broker.
type inflight struct {
	store    taskqueue.Store
	workerID string
}

// Broker is safe for concurrent use by any number of producers and workers.
type Broker struct {
	cfg    Config
	log    *slog.Logger
	obs    api.Observer
	clock  clockwork.Clock
	policy retry.Policy

	durable   taskqueue.Store
	transient taskqueue.Store
	results   results.Store

	mu       sync.RWMutex
	queues   map[string]api.Queue
	bindings []api.Binding

	leaseMu sync.Mutex
	leases  map[string]inflight // delivery tag -> holder
	held    map[string]int      // worker id -> outstanding deliveries

	wake signal
	turn atomic.Uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a broker. durable backs durable queues; when nil every queue
// lives in process memory. res defaults to an in-memory result store.
func New(cfg Config, durable taskqueue.Store, res results.Store) (*Broker, error) {
	cfg.applyDefaults()

	policy := retry.Policy{Backoff: cfg.Backoff, DeadLetter: cfg.DeadLetter}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	if res == nil {
		res = results.NewInMemoryStore()
	}

	b := &Broker{
		cfg:       cfg,
		log:       cfg.Logger,
		obs:       cfg.Observer,
		clock:     cfg.Clock,
		policy:    policy,
		durable:   durable,
		transient: taskqueue.NewInMemoryStore(),
		results:   res,
		queues:    make(map[string]api.Queue),
		leases:    make(map[string]inflight),
		held:      make(map[string]int),
	}

	if err := b.DeclareQueue(api.Queue{Name: api.DefaultQueue, Durable: true}); err != nil {
		return nil, err
	}
	if dlq := cfg.DeadLetter.Queue(); dlq != "" {
		if err := b.DeclareQueue(api.Queue{Name: dlq, Durable: true}); err != nil {
			return nil, err
		}
	}
	for _, q := range cfg.Queues {
		if err := b.DeclareQueue(q); err != nil {
			return nil, err
		}
	}
	for _, bd := range cfg.Bindings {
		if err := b.Bind(bd); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// DeclareQueue registers a queue. Redeclaring an existing queue updates its
// MaxLength but may not change its durability.
func (b *Broker) DeclareQueue(q api.Queue) error {
	if q.Name == "" {
		return errors.New("broker: queue name is required")
	}
	if q.MaxLength < 0 {
		return fmt.Errorf("broker: queue %q: negative max length", q.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.queues[q.Name]; ok && cur.Durable != q.Durable {
		return fmt.Errorf("broker: queue %q already declared with durable=%v", q.Name, cur.Durable)
	}
	b.queues[q.Name] = q
	return nil
}

// Bind routes routing keys matching bd.Pattern to bd.Queue. Bindings are
// evaluated in declaration order.
func (b *Broker) Bind(bd api.Binding) error {
	if bd.Pattern == "" {
		return errors.New("broker: binding pattern is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[bd.Queue]; !ok {
		return fmt.Errorf("%w: %s", api.ErrQueueNotFound, bd.Queue)
	}
	b.bindings = append(b.bindings, bd)
	return nil
}

// Queues returns the declared queues.
func (b *Broker) Queues() []api.Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]api.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	return out
}

// Results exposes the result store, for workers recording STARTED.
func (b *Broker) Results() results.Store {
	return b.results
}

// Clock returns the broker's clock.
func (b *Broker) Clock() clockwork.Clock {
	return b.clock
}

func (b *Broker) lookupQueue(name string) (api.Queue, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q, nil
	}
	if !b.cfg.AutoCreateQueues {
		return api.Queue{}, fmt.Errorf("%w: %s", api.ErrQueueNotFound, name)
	}

	q = api.Queue{Name: name, Durable: true}
	b.mu.Lock()
	if cur, ok := b.queues[name]; ok {
		q = cur
	} else {
		b.queues[name] = q
	}
	b.mu.Unlock()
	b.log.Info("queue_auto_created", slog.String("queue", name))
	return q, nil
}

// resolveQueue picks the target queue: an explicit name wins, then the first
// binding matching routingKey, then the default queue.
func (b *Broker) resolveQueue(name, routingKey string) (api.Queue, error) {
	if name == "" && routingKey != "" {
		b.mu.RLock()
		for _, bd := range b.bindings {
			if matchTopic(bd.Pattern, routingKey) {
				name = bd.Queue
				break
			}
		}
		b.mu.RUnlock()
	}
	if name == "" {
		name = api.DefaultQueue
	}
	return b.lookupQueue(name)
}

func (b *Broker) queueStore(q api.Queue) taskqueue.Store {
	if q.Durable && b.durable != nil {
		return b.durable
	}
	return b.transient
}

func (b *Broker) stores() []taskqueue.Store {
	if b.durable == nil {
		return []taskqueue.Store{b.transient}
	}
	return []taskqueue.Store{b.durable, b.transient}
}

// isFinal reports errors that retrying the store call cannot fix.
func isFinal(err error) bool {
	for _, target := range []error{
		api.ErrLeaseExpired,
		api.ErrDuplicateTaskID,
		api.ErrTerminalState,
		api.ErrNotFound,
		api.ErrQueueFull,
		api.ErrInvalidTask,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// do runs a store call, retrying transient failures with exponential backoff.
// Failures that outlast the retries surface as api.ErrBrokerUnavailable.
func (b *Broker) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := goretry.WithMaxRetries(b.cfg.StoreRetries, goretry.NewExponential(10*time.Millisecond))
	backoff = goretry.WithCappedDuration(time.Second, backoff)

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || isFinal(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
	if err == nil || isFinal(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", api.ErrBrokerUnavailable, op, err)
}

// Enqueue persists task and returns its id. queue and routingKey override
// task.Queue and task.RoutingKey when non-empty.
func (b *Broker) Enqueue(ctx context.Context, task api.Task, queue, routingKey string) (string, error) {
	now := b.clock.Now()
	if task.ID == "" {
		task.ID = api.NewTaskID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if queue == "" {
		queue = task.Queue
	}
	if routingKey == "" {
		routingKey = task.RoutingKey
	}
	if err := task.Validate(); err != nil {
		return "", err
	}
	if b.cfg.Registry != nil && !b.cfg.Registry.Has(task.Name) {
		return "", fmt.Errorf("%w: %s", api.ErrUnknownTask, task.Name)
	}

	q, err := b.resolveQueue(queue, routingKey)
	if err != nil {
		return "", err
	}
	task.Queue = q.Name
	task.RoutingKey = routingKey
	st := b.queueStore(q)

	if q.MaxLength > 0 {
		var n int
		if err := b.do(ctx, "queue length", func(ctx context.Context) error {
			var err error
			n, err = st.Len(ctx, q.Name)
			return err
		}); err != nil {
			return "", err
		}
		if n >= q.MaxLength {
			return "", fmt.Errorf("%w: %s has %d tasks", api.ErrQueueFull, q.Name, n)
		}
	}

	var prior *api.TaskResult
	if err := b.do(ctx, "get result", func(ctx context.Context) error {
		r, err := b.results.GetState(ctx, task.ID)
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		prior = &r
		return nil
	}); err != nil {
		return "", err
	}

	pending := api.TaskResult{TaskID: task.ID, State: api.StatePending, UpdatedAt: now}
	if err := b.do(ctx, "create result", func(ctx context.Context) error {
		return b.results.Create(ctx, pending)
	}); err != nil {
		return "", err
	}

	var visibleAt time.Time
	if task.ETA.After(now) {
		visibleAt = task.ETA
	}
	if err := b.do(ctx, "put", func(ctx context.Context) error {
		return st.Put(ctx, task, visibleAt)
	}); err != nil {
		b.restoreResult(context.WithoutCancel(ctx), task.ID, prior)
		return "", err
	}

	b.obs.OnEnqueued(ctx, task)
	b.wake.broadcast()
	return task.ID, nil
}

// restoreResult undoes the PENDING record of a rejected enqueue, putting
// back the terminal record it replaced.
func (b *Broker) restoreResult(ctx context.Context, taskID string, prior *api.TaskResult) {
	if err := b.results.Delete(ctx, taskID); err != nil {
		b.log.Warn("result_restore_failed", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	if prior == nil {
		return
	}
	if err := b.results.Create(ctx, *prior); err != nil {
		b.log.Warn("result_restore_failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Submit builds a task from name, payload and options and enqueues it.
func (b *Broker) Submit(ctx context.Context, name string, payload []byte, opts ...api.Option) (string, error) {
	o := api.ApplyOptions(opts...)
	now := b.clock.Now()

	task := api.Task{
		ID:         o.ID,
		Name:       name,
		Payload:    payload,
		CreatedAt:  now,
		MaxRetries: b.cfg.DefaultMaxRetries,
		Priority:   o.Priority,
	}
	if o.MaxRetries != nil {
		task.MaxRetries = *o.MaxRetries
	}
	switch {
	case !o.ETA.IsZero():
		task.ETA = o.ETA
	case o.Countdown > 0:
		task.ETA = now.Add(o.Countdown)
	}
	return b.Enqueue(ctx, task, o.Queue, o.RoutingKey)
}

type storeGroup struct {
	store taskqueue.Store
	names []string
}

func (b *Broker) groupQueues(names []string) ([]storeGroup, error) {
	var groups []storeGroup
	for _, name := range names {
		q, err := b.lookupQueue(name)
		if err != nil {
			return nil, err
		}
		st := b.queueStore(q)
		found := false
		for i := range groups {
			if groups[i].store == st {
				groups[i].names = append(groups[i].names, q.Name)
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, storeGroup{store: st, names: []string{q.Name}})
		}
	}
	return groups, nil
}

func (b *Broker) heldBy(workerID string) int {
	b.leaseMu.Lock()
	defer b.leaseMu.Unlock()
	return b.held[workerID]
}

func (b *Broker) track(st taskqueue.Store, d api.Delivery) {
	b.leaseMu.Lock()
	defer b.leaseMu.Unlock()
	b.leases[d.Tag] = inflight{store: st, workerID: d.WorkerID}
	b.held[d.WorkerID]++
}

func (b *Broker) release(tag string) {
	b.leaseMu.Lock()
	defer b.leaseMu.Unlock()
	lf, ok := b.leases[tag]
	if !ok {
		return
	}
	delete(b.leases, tag)
	if b.held[lf.workerID] <= 1 {
		delete(b.held, lf.workerID)
	} else {
		b.held[lf.workerID]--
	}
}

// Fetch leases up to prefetch tasks from queues for workerID, minus the
// deliveries the worker already holds. When nothing is available it waits
// up to timeout and then returns an empty slice.
func (b *Broker) Fetch(ctx context.Context, workerID string, queues []string, prefetch int, timeout time.Duration) ([]api.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if len(queues) == 0 {
		queues = []string{api.DefaultQueue}
	}
	groups, err := b.groupQueues(queues)
	if err != nil {
		return nil, err
	}

	deadline := b.clock.Now().Add(timeout)
	for {
		wake := b.wake.wait()

		limit := prefetch - b.heldBy(workerID)
		if limit <= 0 {
			return nil, nil
		}
		ds, err := b.lease(ctx, workerID, groups, limit)
		if err != nil || len(ds) > 0 {
			return ds, err
		}

		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		timer := b.clock.NewTimer(min(remaining, b.cfg.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

func (b *Broker) lease(ctx context.Context, workerID string, groups []storeGroup, limit int) ([]api.Delivery, error) {
	// Rotate the starting store so neither durable nor transient queues
	// starve the other.
	start := int(b.turn.Add(1))

	var out []api.Delivery
	for i := range groups {
		if len(out) >= limit {
			break
		}
		g := groups[(start+i)%len(groups)]

		var ds []api.Delivery
		err := b.do(ctx, "lease", func(ctx context.Context) error {
			var err error
			ds, err = g.store.Lease(ctx, taskqueue.LeaseRequest{
				Queues:   g.names,
				WorkerID: workerID,
				Limit:    limit - len(out),
				TTL:      b.cfg.LeaseDuration,
				Now:      b.clock.Now(),
			})
			if err != nil && len(ds) > 0 {
				// Already leased; retrying would orphan them until expiry.
				b.log.Warn("lease_partial",
					slog.String("worker_id", workerID),
					slog.Int("leased", len(ds)),
					slog.Any("error", err),
				)
				return nil
			}
			return err
		})
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			b.log.Warn("lease_failed", slog.String("worker_id", workerID), slog.Any("error", err))
			break
		}
		for _, d := range ds {
			b.track(g.store, d)
		}
		out = append(out, ds...)
	}

	for _, d := range out {
		b.obs.OnDelivered(ctx, d)
	}
	return out, nil
}

// locate finds the store currently holding tag.
func (b *Broker) locate(ctx context.Context, tag string) (taskqueue.Store, api.Delivery, error) {
	candidates := b.stores()
	b.leaseMu.Lock()
	if lf, ok := b.leases[tag]; ok {
		candidates = []taskqueue.Store{lf.store}
	}
	b.leaseMu.Unlock()

	for _, st := range candidates {
		var d api.Delivery
		err := b.do(ctx, "lookup", func(ctx context.Context) error {
			var err error
			d, err = st.Lookup(ctx, tag)
			return err
		})
		if err == nil {
			return st, d, nil
		}
		if !errors.Is(err, api.ErrLeaseExpired) {
			return nil, api.Delivery{}, err
		}
	}
	return nil, api.Delivery{}, api.ErrLeaseExpired
}

func (b *Broker) late(op, tag string) {
	b.release(tag)
	b.log.Warn("late_"+op,
		slog.String("tag", tag),
		slog.Any("error", api.ErrLeaseExpired),
	)
}

func (b *Broker) record(ctx context.Context, taskID string, state api.State, payload []byte, cause error) error {
	now := b.clock.Now()
	r := api.TaskResult{TaskID: taskID, State: state, Payload: payload, UpdatedAt: now}
	if cause != nil {
		r.Error = cause.Error()
	}
	if state.Terminal() {
		r.ExpiresAt = now.Add(b.cfg.ResultTTL)
	}
	return b.do(ctx, "record result", func(ctx context.Context) error {
		return b.results.RecordState(ctx, r)
	})
}

// RecordStarted marks a task as executing. Workers call it before running
// the handler.
func (b *Broker) RecordStarted(ctx context.Context, d api.Delivery) error {
	return b.record(ctx, d.Task.ID, api.StateStarted, nil, nil)
}

func (b *Broker) requeue(ctx context.Context, st taskqueue.Store, tag string, r taskqueue.Requeue) (bool, error) {
	var ok bool
	err := b.do(ctx, "requeue", func(ctx context.Context) error {
		var err error
		ok, err = st.Requeue(ctx, tag, r)
		return err
	})
	return ok, err
}

func (b *Broker) ack(ctx context.Context, st taskqueue.Store, tag string) (bool, error) {
	var ok bool
	err := b.do(ctx, "ack", func(ctx context.Context) error {
		var err error
		ok, err = st.Ack(ctx, tag)
		return err
	})
	return ok, err
}

// Ack completes a delivery without a result payload.
func (b *Broker) Ack(ctx context.Context, tag string) error {
	return b.AckWithResult(ctx, tag, nil)
}

// AckWithResult records SUCCESS with payload and removes the task. Acking a
// delivery that is no longer leased is logged and ignored.
func (b *Broker) AckWithResult(ctx context.Context, tag string, payload []byte) error {
	st, d, err := b.locate(ctx, tag)
	if errors.Is(err, api.ErrLeaseExpired) {
		b.late("ack", tag)
		return nil
	}
	if err != nil {
		return err
	}

	if err := b.record(ctx, d.Task.ID, api.StateSuccess, payload, nil); err != nil && !errors.Is(err, api.ErrTerminalState) {
		return err
	}
	ok, err := b.ack(ctx, st, tag)
	if err != nil {
		return err
	}
	if !ok {
		b.late("ack", tag)
		return nil
	}
	b.release(tag)
	b.obs.OnSucceeded(ctx, d, b.clock.Since(d.LeasedAt))
	return nil
}

// Nack returns a delivery. With requeue the task goes back to its original
// position immediately; otherwise the retry engine decides between a
// delayed retry and a terminal failure.
func (b *Broker) Nack(ctx context.Context, tag string, requeue bool) error {
	if !requeue {
		return b.Fail(ctx, tag, retry.Failure{Err: errNacked})
	}

	st, d, err := b.locate(ctx, tag)
	if errors.Is(err, api.ErrLeaseExpired) {
		b.late("nack", tag)
		return nil
	}
	if err != nil {
		return err
	}
	return b.putBack(ctx, st, d, api.RequeueNack)
}

// putBack returns a delivery to its queue without consuming retry budget.
func (b *Broker) putBack(ctx context.Context, st taskqueue.Store, d api.Delivery, reason api.RequeueReason) error {
	if err := b.record(ctx, d.Task.ID, api.StatePending, nil, nil); err != nil && !errors.Is(err, api.ErrTerminalState) {
		return err
	}
	ok, err := b.requeue(ctx, st, d.Tag, taskqueue.Requeue{RetryCount: d.Task.RetryCount})
	if err != nil {
		return err
	}
	b.release(d.Tag)
	if !ok {
		return nil
	}
	b.obs.OnRequeued(ctx, d, reason)
	b.wake.broadcast()
	return nil
}

// Fail settles a failed execution through the retry engine.
func (b *Broker) Fail(ctx context.Context, tag string, f retry.Failure) error {
	st, d, err := b.locate(ctx, tag)
	if errors.Is(err, api.ErrLeaseExpired) {
		b.late("fail", tag)
		return nil
	}
	if err != nil {
		return err
	}

	dec := b.policy.Decide(d, f)
	if !dec.Retry {
		return b.terminate(ctx, st, d, dec)
	}

	if err := b.record(ctx, d.Task.ID, api.StateRetry, nil, dec.Err); err != nil {
		if errors.Is(err, api.ErrTerminalState) {
			// Another execution already settled the task.
			_, err = b.ack(ctx, st, tag)
			b.release(tag)
			return err
		}
		return err
	}

	var visibleAt time.Time
	if dec.Delay > 0 {
		visibleAt = b.clock.Now().Add(dec.Delay)
	}
	ok, err := b.requeue(ctx, st, tag, taskqueue.Requeue{
		RetryCount: dec.RetryCount,
		VisibleAt:  visibleAt,
		Resequence: true,
	})
	if err != nil {
		return err
	}
	b.release(tag)
	if !ok {
		b.late("fail", tag)
		return nil
	}

	b.obs.OnRetried(ctx, d, dec.Delay, dec.Err)
	if dec.Delay == 0 {
		b.wake.broadcast()
	}
	return nil
}

// terminate records FAILURE and dead-letters or discards the task.
func (b *Broker) terminate(ctx context.Context, st taskqueue.Store, d api.Delivery, dec retry.Decision) error {
	if err := b.record(ctx, d.Task.ID, api.StateFailure, nil, dec.Err); err != nil && !errors.Is(err, api.ErrTerminalState) {
		return err
	}

	dlq := dec.DeadLetterQueue
	var (
		ok  bool
		err error
	)
	switch {
	case dlq == "" || dlq == d.Task.Queue:
		ok, err = b.ack(ctx, st, d.Tag)
	default:
		ok, err = b.deadLetter(ctx, st, d, dlq, dec.RetryCount)
	}
	if err != nil {
		return err
	}
	b.release(d.Tag)
	if !ok {
		b.late("fail", d.Tag)
		return nil
	}

	b.obs.OnFailed(ctx, d, dec.Err)
	return nil
}

func (b *Broker) deadLetter(ctx context.Context, st taskqueue.Store, d api.Delivery, dlq string, retryCount int) (bool, error) {
	q, err := b.lookupQueue(dlq)
	if err != nil {
		return false, err
	}
	target := b.queueStore(q)
	if target == st {
		return b.requeue(ctx, st, d.Tag, taskqueue.Requeue{
			Queue:      dlq,
			RetryCount: retryCount,
			Resequence: true,
		})
	}

	task := d.Task
	task.Queue = dlq
	task.RetryCount = retryCount
	err = b.do(ctx, "dead-letter", func(ctx context.Context) error {
		return target.Put(ctx, task, time.Time{})
	})
	if err != nil && !errors.Is(err, api.ErrDuplicateTaskID) {
		return false, err
	}
	return b.ack(ctx, st, d.Tag)
}

// Cancel removes a task that has not been delivered yet and records
// REVOKED. It reports false when the task is already running or unknown.
func (b *Broker) Cancel(ctx context.Context, taskID string) (bool, error) {
	for _, st := range b.stores() {
		var ok bool
		err := b.do(ctx, "remove", func(ctx context.Context) error {
			var err error
			ok, err = st.Remove(ctx, taskID)
			return err
		})
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		if err := b.record(ctx, taskID, api.StateRevoked, nil, nil); err != nil && !errors.Is(err, api.ErrTerminalState) {
			return true, err
		}
		b.obs.OnRevoked(ctx, taskID)
		return true, nil
	}
	return false, nil
}

// GetResult returns the latest recorded state of a task. Expired and unknown
// ids yield api.ErrNotFound.
func (b *Broker) GetResult(ctx context.Context, taskID string) (api.TaskResult, error) {
	var r api.TaskResult
	err := b.do(ctx, "get result", func(ctx context.Context) error {
		var err error
		r, err = b.results.GetState(ctx, taskID)
		return err
	})
	if err != nil {
		return api.TaskResult{}, err
	}
	if r.Expired(b.clock.Now()) {
		return api.TaskResult{}, api.ErrNotFound
	}
	return r, nil
}

// QueueLen returns the number of queued tasks in the named queue.
func (b *Broker) QueueLen(ctx context.Context, name string) (int, error) {
	q, err := b.lookupQueue(name)
	if err != nil {
		return 0, err
	}
	var n int
	err = b.do(ctx, "queue length", func(ctx context.Context) error {
		var err error
		n, err = b.queueStore(q).Len(ctx, q.Name)
		return err
	})
	return n, err
}
