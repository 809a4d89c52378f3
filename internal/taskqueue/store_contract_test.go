package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

// storeFactory returns an empty store for one contract test.
type storeFactory func(t *testing.T) Store

var storeContract = []struct {
	name string
	fn   func(t *testing.T, s Store)
}{
	{"FIFOWithinQueue", testStoreFIFO},
	{"PriorityOrder", testStorePriority},
	{"DuplicateID", testStoreDuplicate},
	{"DelayedVisibility", testStoreDelayed},
	{"AckRemovesAndIsIdempotent", testStoreAck},
	{"RequeueKeepsPosition", testStoreRequeueKeepsPosition},
	{"RequeueResequence", testStoreRequeueResequence},
	{"RequeueToOtherQueue", testStoreRequeueMove},
	{"ExpiredLeases", testStoreExpired},
	{"RemoveOnlyUnleased", testStoreRemove},
	{"LeaseExclusive", testStoreLeaseExclusive},
	{"MultiQueueLease", testStoreMultiQueue},
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	for _, tc := range storeContract {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func mkTask(queue, id string, priority int) api.Task {
	return api.Task{
		ID:         id,
		Name:       "test.task",
		Queue:      queue,
		Payload:    []byte(id),
		CreatedAt:  epoch,
		MaxRetries: 3,
		Priority:   priority,
	}
}

func lease(t *testing.T, s Store, now time.Time, limit int, queues ...string) []api.Delivery {
	t.Helper()
	ds, err := s.Lease(context.Background(), LeaseRequest{
		Queues:   queues,
		WorkerID: "w1",
		Limit:    limit,
		TTL:      30 * time.Second,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	return ds
}

func put(t *testing.T, s Store, task api.Task, visibleAt time.Time) {
	t.Helper()
	if err := s.Put(context.Background(), task, visibleAt); err != nil {
		t.Fatalf("Put %s: %v", task.ID, err)
	}
}

func ids(ds []api.Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Task.ID
	}
	return out
}

func expectIDs(t *testing.T, ds []api.Delivery, want ...string) {
	t.Helper()
	got := ids(ds)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected tasks %v, got %v", want, got)
	}
}

func testStoreFIFO(t *testing.T, s Store) {
	for _, id := range []string{"a", "b", "c"} {
		put(t, s, mkTask("q", id, 0), time.Time{})
	}

	n, err := s.Len(context.Background(), "q")
	if err != nil || n != 3 {
		t.Fatalf("expected Len 3, got %d (%v)", n, err)
	}

	ds := lease(t, s, epoch, 10, "q")
	expectIDs(t, ds, "a", "b", "c")

	for _, d := range ds {
		if d.Tag == "" {
			t.Fatalf("expected delivery tag for %s", d.Task.ID)
		}
		if d.Attempt != 1 {
			t.Fatalf("expected first attempt, got %d", d.Attempt)
		}
		if !d.Deadline.Equal(epoch.Add(30 * time.Second)) {
			t.Fatalf("unexpected deadline %v", d.Deadline)
		}
		if string(d.Task.Payload) != d.Task.ID {
			t.Fatalf("payload not preserved: %q", d.Task.Payload)
		}
	}

	if n, _ := s.Len(context.Background(), "q"); n != 0 {
		t.Fatalf("expected leased tasks to leave the queue, Len=%d", n)
	}
}

func testStorePriority(t *testing.T, s Store) {
	put(t, s, mkTask("q", "low", 1), time.Time{})
	put(t, s, mkTask("q", "high1", 9), time.Time{})
	put(t, s, mkTask("q", "mid", 5), time.Time{})
	put(t, s, mkTask("q", "high2", 9), time.Time{})

	expectIDs(t, lease(t, s, epoch, 10, "q"), "high1", "high2", "mid", "low")
}

func testStoreDuplicate(t *testing.T, s Store) {
	put(t, s, mkTask("q", "dup", 0), time.Time{})
	err := s.Put(context.Background(), mkTask("q", "dup", 0), time.Time{})
	if !errors.Is(err, api.ErrDuplicateTaskID) {
		t.Fatalf("expected ErrDuplicateTaskID, got %v", err)
	}

	// Still a duplicate while leased.
	lease(t, s, epoch, 1, "q")
	err = s.Put(context.Background(), mkTask("q", "dup", 0), time.Time{})
	if !errors.Is(err, api.ErrDuplicateTaskID) {
		t.Fatalf("expected ErrDuplicateTaskID for leased task, got %v", err)
	}
}

func testStoreDelayed(t *testing.T, s Store) {
	put(t, s, mkTask("q", "later", 9), epoch.Add(time.Minute))
	put(t, s, mkTask("q", "now", 0), time.Time{})

	expectIDs(t, lease(t, s, epoch, 10, "q"), "now")
	expectIDs(t, lease(t, s, epoch.Add(59*time.Second), 10, "q"))
	expectIDs(t, lease(t, s, epoch.Add(time.Minute), 10, "q"), "later")
}

func testStoreAck(t *testing.T, s Store) {
	ctx := context.Background()
	put(t, s, mkTask("q", "a", 0), time.Time{})
	d := lease(t, s, epoch, 1, "q")[0]

	got, err := s.Lookup(ctx, d.Tag)
	if err != nil || got.Task.ID != "a" {
		t.Fatalf("Lookup: %+v, %v", got, err)
	}

	ok, err := s.Ack(ctx, d.Tag)
	if err != nil || !ok {
		t.Fatalf("Ack: %v, %v", ok, err)
	}
	ok, err = s.Ack(ctx, d.Tag)
	if err != nil || ok {
		t.Fatalf("second Ack should be a no-op: %v, %v", ok, err)
	}

	if _, err := s.Lookup(ctx, d.Tag); !errors.Is(err, api.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired after ack, got %v", err)
	}

	// The id is free again once acked.
	put(t, s, mkTask("q", "a", 0), time.Time{})
}

func testStoreRequeueKeepsPosition(t *testing.T, s Store) {
	ctx := context.Background()
	put(t, s, mkTask("q", "a", 0), time.Time{})
	put(t, s, mkTask("q", "b", 0), time.Time{})

	d := lease(t, s, epoch, 1, "q")[0]
	ok, err := s.Requeue(ctx, d.Tag, Requeue{RetryCount: d.Task.RetryCount})
	if err != nil || !ok {
		t.Fatalf("Requeue: %v, %v", ok, err)
	}

	ds := lease(t, s, epoch, 10, "q")
	expectIDs(t, ds, "a", "b")
	if ds[0].Attempt != 2 {
		t.Fatalf("expected delivery count 2, got %d", ds[0].Attempt)
	}
	if ds[0].Tag == d.Tag {
		t.Fatalf("redelivery must carry a fresh tag")
	}

	// The stale tag no longer acts on the task.
	if ok, _ := s.Ack(ctx, d.Tag); ok {
		t.Fatalf("stale tag acked a redelivered task")
	}
}

func testStoreRequeueResequence(t *testing.T, s Store) {
	ctx := context.Background()
	put(t, s, mkTask("q", "a", 0), time.Time{})
	put(t, s, mkTask("q", "b", 0), time.Time{})

	d := lease(t, s, epoch, 1, "q")[0]
	ok, err := s.Requeue(ctx, d.Tag, Requeue{RetryCount: 1, VisibleAt: epoch.Add(time.Second), Resequence: true})
	if err != nil || !ok {
		t.Fatalf("Requeue: %v, %v", ok, err)
	}

	expectIDs(t, lease(t, s, epoch, 10, "q"), "b")

	ds := lease(t, s, epoch.Add(time.Second), 10, "q")
	expectIDs(t, ds, "a")
	if ds[0].Task.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", ds[0].Task.RetryCount)
	}
}

func testStoreRequeueMove(t *testing.T, s Store) {
	ctx := context.Background()
	put(t, s, mkTask("q", "a", 0), time.Time{})
	d := lease(t, s, epoch, 1, "q")[0]

	ok, err := s.Requeue(ctx, d.Tag, Requeue{Queue: "q.dlq", RetryCount: 3, Resequence: true})
	if err != nil || !ok {
		t.Fatalf("Requeue: %v, %v", ok, err)
	}
	if n, _ := s.Len(ctx, "q"); n != 0 {
		t.Fatalf("expected source queue empty, Len=%d", n)
	}
	if n, _ := s.Len(ctx, "q.dlq"); n != 1 {
		t.Fatalf("expected dead-letter queue Len 1, got %d", n)
	}

	ds := lease(t, s, epoch, 1, "q.dlq")
	expectIDs(t, ds, "a")
	if ds[0].Task.Queue != "q.dlq" {
		t.Fatalf("expected task queue q.dlq, got %q", ds[0].Task.Queue)
	}
}

func testStoreExpired(t *testing.T, s Store) {
	ctx := context.Background()
	put(t, s, mkTask("q", "a", 0), time.Time{})
	put(t, s, mkTask("q", "b", 0), time.Time{})
	lease(t, s, epoch, 1, "q")
	lease(t, s, epoch.Add(10*time.Second), 1, "q")

	exp, err := s.Expired(ctx, epoch.Add(29*time.Second), 10)
	if err != nil || len(exp) != 0 {
		t.Fatalf("expected no expired leases yet, got %v (%v)", ids(exp), err)
	}

	exp, err = s.Expired(ctx, epoch.Add(30*time.Second), 10)
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	expectIDs(t, exp, "a")

	exp, err = s.Expired(ctx, epoch.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	expectIDs(t, exp, "a", "b")
}

func testStoreRemove(t *testing.T, s Store) {
	ctx := context.Background()
	put(t, s, mkTask("q", "a", 0), time.Time{})
	put(t, s, mkTask("q", "b", 0), epoch.Add(time.Hour))

	lease(t, s, epoch, 1, "q")

	if ok, err := s.Remove(ctx, "a"); err != nil || ok {
		t.Fatalf("leased task must not be removed: %v, %v", ok, err)
	}
	if ok, err := s.Remove(ctx, "b"); err != nil || !ok {
		t.Fatalf("delayed task should be removed: %v, %v", ok, err)
	}
	if ok, _ := s.Remove(ctx, "missing"); ok {
		t.Fatalf("unknown task reported as removed")
	}
	expectIDs(t, lease(t, s, epoch.Add(2*time.Hour), 10, "q"))
}

func testStoreLeaseExclusive(t *testing.T, s Store) {
	const n = 40
	for i := 0; i < n; i++ {
		put(t, s, mkTask("q", fmt.Sprintf("t%02d", i), 0), time.Time{})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				ds, err := s.Lease(context.Background(), LeaseRequest{
					Queues:   []string{"q"},
					WorkerID: fmt.Sprintf("w%d", worker),
					Limit:    3,
					TTL:      time.Minute,
					Now:      epoch,
				})
				if err != nil {
					t.Errorf("Lease: %v", err)
					return
				}
				if len(ds) == 0 {
					return
				}
				mu.Lock()
				for _, d := range ds {
					seen[d.Task.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct tasks, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("task %s leased %d times", id, c)
		}
	}
}

func testStoreMultiQueue(t *testing.T, s Store) {
	put(t, s, mkTask("a", "a1", 0), time.Time{})
	put(t, s, mkTask("b", "b1", 5), time.Time{})
	put(t, s, mkTask("c", "c1", 9), time.Time{})

	expectIDs(t, lease(t, s, epoch, 10, "a", "b"), "b1", "a1")
	if n, _ := s.Len(context.Background(), "c"); n != 1 {
		t.Fatalf("unrequested queue must be untouched, Len=%d", n)
	}
}
