// Command fluxqd runs the fluxq broker as a standalone process: the lease
// sweeper, result eviction, the periodic scheduler and a Prometheus
// endpoint. It runs no task handlers; workers embed pkg/worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/petrijr/fluxq"
	"github.com/petrijr/fluxq/internal/config"
	"github.com/petrijr/fluxq/pkg/events"
	"github.com/petrijr/fluxq/pkg/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fluxqd:", err)
		os.Exit(2)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fluxqd_failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	be := newBackends()
	defer func() {
		if err := be.Close(context.Background()); err != nil {
			logger.Warn("backend_close_failed", slog.Any("error", err))
		}
	}()

	queues, err := be.queueStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("queue store: %w", err)
	}
	results, err := be.resultStore(ctx, cfg.Results)
	if err != nil {
		return fmt.Errorf("result store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observers := []fluxq.Observer{
		fluxq.NewLoggingObserver(logger),
		metrics.NewPromObserver(reg),
	}

	if len(cfg.Kafka.Brokers) > 0 {
		client, err := events.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("kafka client: %w", err)
		}
		defer client.Close()
		observers = append(observers, events.NewKafkaSink(client, cfg.Kafka.Topic, logger))
		logger.Info("kafka_events_enabled", slog.String("topic", cfg.Kafka.Topic))
	}

	bcfg := cfg.BrokerConfig()
	bcfg.Logger = logger
	bcfg.Observer = fluxq.NewCompositeObserver(observers...)

	b, err := fluxq.NewBroker(bcfg, queues, results)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			logger.Warn("broker_close_failed", slog.Any("error", err))
		}
	}()

	schedDone := make(chan struct{})
	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Entries) > 0 {
		sched, err := newScheduler(ctx, be, cfg, b, bcfg.Observer, logger)
		if err != nil {
			return err
		}
		go func() {
			defer close(schedDone)
			if err := sched.Run(ctx); err != nil {
				logger.Error("scheduler_stopped", slog.Any("error", err))
			}
		}()
	} else {
		close(schedDone)
	}

	srvErr := make(chan error, 1)
	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
		logger.Info("metrics_listening", slog.String("addr", cfg.Metrics.Addr))
	}

	logger.Info("fluxqd_started",
		slog.String("store", cfg.Store.Driver),
		slog.String("results", cfg.Results.Driver),
		slog.Int("schedules", len(cfg.Scheduler.Entries)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("fluxqd_stopping")
	case runErr = <-srvErr:
		logger.Error("metrics_server_failed", slog.Any("error", runErr))
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics_shutdown_failed", slog.Any("error", err))
		}
	}
	cancel()
	<-schedDone
	return runErr
}

func newScheduler(ctx context.Context, be *backends, cfg *config.Config, b *fluxq.Broker, obs fluxq.Observer, logger *slog.Logger) (*fluxq.Scheduler, error) {
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", host, os.Getpid())

	locker, err := be.locker(ctx, cfg, owner)
	if err != nil {
		return nil, fmt.Errorf("schedule locker: %w", err)
	}

	sched := fluxq.NewScheduler(fluxq.SchedulerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		Observer:     obs,
		Logger:       logger,
	}, b, locker)
	for _, e := range cfg.Scheduler.Entries {
		if err := sched.Add(e.Name, e.Spec, e.Template()); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.Name, err)
		}
	}
	return sched, nil
}
