package fluxq

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"github.com/petrijr/fluxq/internal/broker"
	"github.com/petrijr/fluxq/internal/results"
	"github.com/petrijr/fluxq/internal/schedule"
	"github.com/petrijr/fluxq/internal/taskqueue"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/worker"
)

// WorkerBundle wires together a broker whose queues, results and schedule
// claims share one SQLite database, a handler registry and a worker pool.
type WorkerBundle struct {
	Broker    *Broker
	Registry  *Registry
	Pool      *Pool
	Scheduler *Scheduler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSQLiteBundle constructs a durable single-file deployment. Queued tasks,
// results and schedule claims are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:fluxq.db?_pragma=journal_mode(WAL)")
//	bundle, err := fluxq.NewSQLiteBundle(db, fluxq.DefaultBrokerConfig(), fluxq.WorkerConfig{Concurrency: 4})
//	bundle.Registry.MustRegister("resize", handler)
//	_ = bundle.Start(ctx)
//	defer bundle.Stop(ctx)
//
// A zero dead-letter policy in cfg defaults to the "dead_letter" queue.
func NewSQLiteBundle(db *sql.DB, cfg BrokerConfig, wcfg WorkerConfig) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	res, err := results.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	locker, err := schedule.NewSQLiteLocker(db, host)
	if err != nil {
		return nil, err
	}

	if cfg.DeadLetter == (DeadLetter{}) {
		cfg.DeadLetter = DeadLetterQueue("dead_letter")
	}
	if cfg.Registry == nil {
		cfg.Registry = api.NewRegistry()
	}

	b, err := broker.New(cfg, q, res)
	if err != nil {
		return nil, err
	}
	if wcfg.Logger == nil {
		wcfg.Logger = cfg.Logger
	}

	return &WorkerBundle{
		Broker:   b,
		Registry: cfg.Registry,
		Pool:     worker.New(b, cfg.Registry, wcfg),
		Scheduler: schedule.New(schedule.Config{
			Clock:    b.Clock(),
			Observer: cfg.Observer,
			Logger:   cfg.Logger,
		}, b, locker),
	}, nil
}

// Start recovers leases left by a previous process, then starts the
// sweeper, the scheduler and the worker pool.
func (wb *WorkerBundle) Start(ctx context.Context) error {
	if wb.cancel != nil {
		return errors.New("fluxq: bundle already started")
	}
	if err := wb.Broker.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := wb.Pool.Start(ctx); err != nil {
		cancel()
		return err
	}

	wb.cancel = cancel
	wb.done = make(chan struct{})
	go func() {
		defer close(wb.done)
		_ = wb.Scheduler.Run(ctx)
	}()
	return nil
}

// Stop drains the pool and closes the broker.
func (wb *WorkerBundle) Stop(ctx context.Context) error {
	if wb.cancel == nil {
		return nil
	}
	wb.Pool.Stop()
	wb.cancel()
	<-wb.done
	wb.cancel, wb.done = nil, nil
	return wb.Broker.Close(ctx)
}
