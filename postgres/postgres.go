// Package postgres wires fluxq's queue store, result store and schedule
// locker to PostgreSQL through the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/petrijr/fluxq"
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// NewQueueStore creates the queue tables if needed and returns the store.
func NewQueueStore(db *sql.DB) (fluxq.QueueStore, error) {
	return fluxq.NewPostgresQueueStore(db)
}

// NewResultStore creates the results table if needed and returns the store.
func NewResultStore(db *sql.DB) (fluxq.ResultStore, error) {
	return fluxq.NewPostgresResultStore(db)
}

// NewLocker returns a schedule locker backed by a claims table in db.
func NewLocker(db *sql.DB, owner string) (fluxq.Locker, error) {
	return fluxq.NewPostgresLocker(db, owner)
}

// NewBroker returns a broker whose durable queues and results live in db.
func NewBroker(db *sql.DB, cfg fluxq.BrokerConfig) (*fluxq.Broker, error) {
	q, err := NewQueueStore(db)
	if err != nil {
		return nil, err
	}
	res, err := NewResultStore(db)
	if err != nil {
		return nil, err
	}
	return fluxq.NewBroker(cfg, q, res)
}
