package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petrijr/fluxq/internal/taskqueue"
	"github.com/petrijr/fluxq/pkg/api"
)

// Start runs a recovery sweep for leases left behind by a previous process
// and starts the periodic lease-expiry sweeper.
func (b *Broker) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.done != nil {
		return errors.New("broker: already started")
	}

	if n, err := b.Sweep(ctx); err != nil {
		b.log.Warn("recovery_sweep_failed", slog.Any("error", err))
	} else if n > 0 {
		b.log.Info("recovery_sweep", slog.Int("reclaimed", n))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.sweepLoop(runCtx, b.done)
	return nil
}

func (b *Broker) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := b.clock.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := b.Sweep(ctx); err != nil && ctx.Err() == nil {
				b.log.Warn("sweep_failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep reclaims expired leases and evicts expired results. Each expired
// delivery is treated as an implicit Nack(requeue=true) unless it has used
// up its delivery budget, in which case it fails terminally. It returns the
// number of deliveries reclaimed.
func (b *Broker) Sweep(ctx context.Context) (int, error) {
	now := b.clock.Now()

	var (
		n    int
		errs []error
	)
	for _, st := range b.stores() {
		var expired []api.Delivery
		err := b.do(ctx, "expired", func(ctx context.Context) error {
			var err error
			expired, err = st.Expired(ctx, now, b.cfg.SweepBatch)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		for _, d := range expired {
			if err := b.reclaim(ctx, st, d); err != nil {
				errs = append(errs, err)
				continue
			}
			n++
		}
	}

	if _, err := b.results.Evict(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return n, errors.Join(errs...)
}

func (b *Broker) reclaim(ctx context.Context, st taskqueue.Store, d api.Delivery) error {
	b.log.Warn("lease_expired",
		slog.String("task_id", d.Task.ID),
		slog.String("queue", d.Task.Queue),
		slog.String("worker_id", d.WorkerID),
		slog.Int("attempt", d.Attempt),
		slog.Time("deadline", d.Deadline),
	)

	// A SUCCESS record means the worker finished and its ack is in flight or
	// was lost; the task is done, not abandoned.
	var cur api.TaskResult
	err := b.do(ctx, "get result", func(ctx context.Context) error {
		var err error
		cur, err = b.results.GetState(ctx, d.Task.ID)
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if cur.State == api.StateSuccess {
		if _, err := b.ack(ctx, st, d.Tag); err != nil {
			return err
		}
		b.release(d.Tag)
		return nil
	}

	if d.Attempt >= d.Task.MaxRetries+1 {
		return b.terminate(ctx, st, d, b.policy.Exhausted(d, api.ErrLeaseExpired))
	}
	return b.putBack(ctx, st, d, api.RequeueExpired)
}

// Close stops the sweeper and returns every delivery this broker handed out
// and still tracks to its queue. Workers should be stopped first.
func (b *Broker) Close(ctx context.Context) error {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	b.leaseMu.Lock()
	held := make(map[string]inflight, len(b.leases))
	for tag, lf := range b.leases {
		held[tag] = lf
	}
	b.leaseMu.Unlock()

	var errs []error
	for tag, lf := range held {
		d, err := lf.store.Lookup(ctx, tag)
		if err != nil {
			b.release(tag)
			if !errors.Is(err, api.ErrLeaseExpired) {
				errs = append(errs, err)
			}
			continue
		}
		if err := b.putBack(ctx, lf.store, d, api.RequeueShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	b.wake.broadcast()
	return errors.Join(errs...)
}
