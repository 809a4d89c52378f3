package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	gomongo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxq"
	"github.com/petrijr/fluxq/internal/config"
	fluxmongo "github.com/petrijr/fluxq/mongo"
	fluxpg "github.com/petrijr/fluxq/postgres"
	fluxredis "github.com/petrijr/fluxq/redis"
)

// backends opens each distinct connection once, so a queue store and a
// result store configured with the same DSN share it.
type backends struct {
	sqlDBs  map[string]*sql.DB
	redises map[string]*goredis.Client
	mongos  map[string]*gomongo.Client
	closers []func(context.Context) error
}

func newBackends() *backends {
	return &backends{
		sqlDBs:  make(map[string]*sql.DB),
		redises: make(map[string]*goredis.Client),
		mongos:  make(map[string]*gomongo.Client),
	}
}

func (b *backends) sqlite(dsn string) (*sql.DB, error) {
	key := "sqlite:" + dsn
	if db, ok := b.sqlDBs[key]; ok {
		return db, nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	b.sqlDBs[key] = db
	b.closers = append(b.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

func (b *backends) postgres(ctx context.Context, dsn string) (*sql.DB, error) {
	key := "postgres:" + dsn
	if db, ok := b.sqlDBs[key]; ok {
		return db, nil
	}
	db, err := fluxpg.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	b.sqlDBs[key] = db
	b.closers = append(b.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

// redis accepts either a redis:// URL or a bare host:port.
func (b *backends) redis(ctx context.Context, dsn string) (*goredis.Client, error) {
	if c, ok := b.redises[dsn]; ok {
		return c, nil
	}
	opts := &goredis.Options{Addr: dsn}
	if strings.Contains(dsn, "://") {
		var err error
		if opts, err = goredis.ParseURL(dsn); err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
	}
	c := goredis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b.redises[dsn] = c
	b.closers = append(b.closers, func(context.Context) error { return c.Close() })
	return c, nil
}

func (b *backends) mongo(ctx context.Context, dsn string) (*gomongo.Client, error) {
	if c, ok := b.mongos[dsn]; ok {
		return c, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c, err := gomongo.Connect(connectCtx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := c.Ping(connectCtx, nil); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	b.mongos[dsn] = c
	b.closers = append(b.closers, c.Disconnect)
	return c, nil
}

// queueStore returns the durable queue store. The memory driver returns
// nil, which keeps every queue in process memory.
func (b *backends) queueStore(ctx context.Context, sc config.StoreConfig) (fluxq.QueueStore, error) {
	switch sc.Driver {
	case "memory":
		return nil, nil
	case "sqlite":
		db, err := b.sqlite(sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxq.NewSQLiteQueueStore(db)
	case "postgres":
		db, err := b.postgres(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxpg.NewQueueStore(db)
	case "redis":
		c, err := b.redis(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxredis.NewQueueStore(c, sc.Prefix), nil
	case "mongo":
		c, err := b.mongo(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxmongo.NewQueueStore(ctx, c, sc.Database, "")
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func (b *backends) resultStore(ctx context.Context, sc config.StoreConfig) (fluxq.ResultStore, error) {
	switch sc.Driver {
	case "memory":
		return fluxq.NewInMemoryResultStore(), nil
	case "sqlite":
		db, err := b.sqlite(sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxq.NewSQLiteResultStore(db)
	case "postgres":
		db, err := b.postgres(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxpg.NewResultStore(db)
	case "redis":
		c, err := b.redis(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxredis.NewResultStore(c, sc.Prefix), nil
	case "mongo":
		c, err := b.mongo(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return fluxmongo.NewResultStore(ctx, c, sc.Database, "")
	default:
		return nil, fmt.Errorf("unknown results driver %q", sc.Driver)
	}
}

// locker returns the schedule locker. An empty locker DSN reuses the queue
// store's DSN when the drivers match.
func (b *backends) locker(ctx context.Context, cfg *config.Config, owner string) (fluxq.Locker, error) {
	sc := cfg.Scheduler
	dsn := sc.LockerDSN
	if dsn == "" && cfg.Store.Driver == sc.Locker {
		dsn = cfg.Store.DSN
	}
	if dsn == "" && sc.Locker != "memory" {
		return nil, fmt.Errorf("scheduler.locker_dsn required for %s locker", sc.Locker)
	}

	switch sc.Locker {
	case "memory":
		return fluxq.NewMemoryLocker(), nil
	case "sqlite":
		db, err := b.sqlite(dsn)
		if err != nil {
			return nil, err
		}
		return fluxq.NewSQLiteLocker(db, owner)
	case "postgres":
		db, err := b.postgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return fluxpg.NewLocker(db, owner)
	case "redis":
		c, err := b.redis(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return fluxredis.NewLocker(c, cfg.Store.Prefix, owner), nil
	default:
		return nil, fmt.Errorf("unknown locker %q", sc.Locker)
	}
}

// Close releases connections in reverse order of opening.
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
