// Package redis wires fluxq's queue store, result store and schedule locker
// to a Redis deployment.
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxq"
	"github.com/petrijr/fluxq/internal/results"
	"github.com/petrijr/fluxq/internal/schedule"
	"github.com/petrijr/fluxq/internal/taskqueue"
)

// DefaultPrefix namespaces every key fluxq writes.
const DefaultPrefix = "fluxq:"

// NewQueueStore returns a durable queue store kept in Redis sorted sets.
// An empty prefix means DefaultPrefix.
func NewQueueStore(client redis.UniversalClient, prefix string) fluxq.QueueStore {
	return taskqueue.NewRedisStore(client, orDefault(prefix))
}

// NewResultStore returns a result store kept in Redis hashes. Terminal
// results expire through Redis key TTLs.
func NewResultStore(client redis.UniversalClient, prefix string) fluxq.ResultStore {
	return results.NewRedisStore(client, orDefault(prefix))
}

// NewLocker returns a schedule locker for schedulers sharing client.
func NewLocker(client redis.UniversalClient, prefix, owner string) fluxq.Locker {
	return schedule.NewRedisLocker(client, orDefault(prefix), owner)
}

// NewBroker returns a broker whose durable queues and results live in Redis.
func NewBroker(client redis.UniversalClient, prefix string, cfg fluxq.BrokerConfig) (*fluxq.Broker, error) {
	return fluxq.NewBroker(cfg, NewQueueStore(client, prefix), NewResultStore(client, prefix))
}

func orDefault(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
