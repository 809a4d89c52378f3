package taskqueue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_PutHonorsContextCancellation(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Put(ctx, mkTask("q", "a", 0), time.Time{}); err == nil {
		t.Fatalf("expected Put to fail on cancelled context")
	}
	if n, _ := s.Len(context.Background(), "q"); n != 0 {
		t.Fatalf("expected nothing queued, Len=%d", n)
	}
}

func TestInMemoryStore_RequeueDelayedThenRemove(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	put(t, s, mkTask("q", "a", 0), time.Time{})

	d := lease(t, s, epoch, 1, "q")[0]
	if ok, _ := s.Requeue(ctx, d.Tag, Requeue{VisibleAt: epoch.Add(time.Minute), Resequence: true}); !ok {
		t.Fatalf("Requeue failed")
	}

	if n, _ := s.Len(ctx, "q"); n != 1 {
		t.Fatalf("delayed task should count toward Len, got %d", n)
	}
	if ok, _ := s.Remove(ctx, "a"); !ok {
		t.Fatalf("expected delayed task to be removable")
	}
	if n, _ := s.Len(ctx, "q"); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}
