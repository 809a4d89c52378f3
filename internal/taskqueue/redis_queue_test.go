package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/fluxq/internal/testutil"
)

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
}

func TestRedisStoreSuite(t *testing.T) {
	ts := new(RedisStoreTestSuite)
	ts.client = testutil.OpenRedis(t)
	suite.Run(t, ts)
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.Require().NoError(r.client.FlushDB(context.Background()).Err())
}

func (r *RedisStoreTestSuite) TestContract() {
	runStoreContract(r.T(), func(t *testing.T) Store {
		if err := r.client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		return NewRedisStore(r.client, "fluxq-test:")
	})
}

func (r *RedisStoreTestSuite) TestPrefixesAreIsolated() {
	a := NewRedisStore(r.client, "a:")
	b := NewRedisStore(r.client, "b:")
	ctx := context.Background()

	r.Require().NoError(a.Put(ctx, mkTask("q", "x", 0), time.Time{}))
	r.Require().NoError(b.Put(ctx, mkTask("q", "x", 0), time.Time{}))

	n, err := a.Len(ctx, "q")
	r.Require().NoError(err)
	r.Equal(1, n)
}
