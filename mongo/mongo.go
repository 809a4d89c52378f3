// Package mongo wires fluxq's queue store and result store to MongoDB.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxq"
	"github.com/petrijr/fluxq/internal/results"
	"github.com/petrijr/fluxq/internal/taskqueue"
)

const (
	DefaultTaskCollection   = "fluxq_tasks"
	DefaultResultCollection = "fluxq_results"
)

// NewQueueStore returns a queue store on db.coll, creating its indexes.
func NewQueueStore(ctx context.Context, client *mongo.Client, db, coll string) (fluxq.QueueStore, error) {
	if coll == "" {
		coll = DefaultTaskCollection
	}
	st, err := taskqueue.NewMongoStore(ctx, client, db, coll)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewResultStore returns a result store on db.coll. Expired results are
// deleted by the broker's sweep.
func NewResultStore(ctx context.Context, client *mongo.Client, db, coll string) (fluxq.ResultStore, error) {
	if coll == "" {
		coll = DefaultResultCollection
	}
	st, err := results.NewMongoStore(ctx, client, db, coll)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewBroker returns a broker whose durable queues and results live in db
// under the default collection names.
func NewBroker(ctx context.Context, client *mongo.Client, db string, cfg fluxq.BrokerConfig) (*fluxq.Broker, error) {
	q, err := NewQueueStore(ctx, client, db, "")
	if err != nil {
		return nil, err
	}
	res, err := NewResultStore(ctx, client, db, "")
	if err != nil {
		return nil, err
	}
	return fluxq.NewBroker(cfg, q, res)
}
