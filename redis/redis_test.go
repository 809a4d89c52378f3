package redis

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/fluxq"
	"github.com/petrijr/fluxq/internal/testutil"
)

type BrokerTestSuite struct {
	suite.Suite
	client *redis.Client
	clock  *clockwork.FakeClock
}

func TestBrokerSuite(t *testing.T) {
	ts := new(BrokerTestSuite)
	ts.client = testutil.OpenRedis(t)
	suite.Run(t, ts)
}

func (s *BrokerTestSuite) SetupTest() {
	s.Require().NoError(s.client.FlushDB(context.Background()).Err())
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
}

func (s *BrokerTestSuite) newBroker() *fluxq.Broker {
	cfg := fluxq.DefaultBrokerConfig()
	cfg.DeadLetter = fluxq.DeadLetterQueue("dead_letter")
	cfg.LeaseDuration = 30 * time.Second
	cfg.Clock = s.clock
	b, err := NewBroker(s.client, "", cfg)
	s.Require().NoError(err)
	return b
}

// A task leased by a broker that went away is delivered again once its
// lease expires.
func (s *BrokerTestSuite) TestLeaseSurvivesBrokerRestart() {
	ctx := context.Background()

	b1 := s.newBroker()
	id, err := b1.Submit(ctx, "resize", []byte("img-1"))
	s.Require().NoError(err)

	ds, err := b1.Fetch(ctx, "w1", nil, 1, 0)
	s.Require().NoError(err)
	s.Require().Len(ds, 1)
	s.Require().NoError(b1.RecordStarted(ctx, ds[0]))

	s.clock.Advance(31 * time.Second)

	b2 := s.newBroker()
	n, err := b2.Sweep(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	ds, err = b2.Fetch(ctx, "w2", nil, 1, 0)
	s.Require().NoError(err)
	s.Require().Len(ds, 1)
	s.Equal(id, ds[0].Task.ID)
	s.Equal(2, ds[0].Attempt)

	s.Require().NoError(b2.AckWithResult(ctx, ds[0].Tag, []byte("ok")))

	res, err := b2.GetResult(ctx, id)
	s.Require().NoError(err)
	s.Equal(fluxq.StateSuccess, res.State)
	s.Equal("ok", string(res.Payload))
}

func (s *BrokerTestSuite) TestLockerClaimsOnce() {
	ctx := context.Background()
	fireAt := s.clock.Now()

	a := NewLocker(s.client, "", "a")
	b := NewLocker(s.client, "", "b")

	ok, err := a.Claim(ctx, "nightly", fireAt, time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = b.Claim(ctx, "nightly", fireAt, time.Minute)
	s.Require().NoError(err)
	s.False(ok)
}
