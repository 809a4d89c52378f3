package results

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runResultContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_EvictRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	done := record("a", api.StateSuccess, epoch)
	done.ExpiresAt = epoch.Add(time.Hour)
	if err := s.Create(ctx, done); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := s.Evict(ctx, epoch.Add(59*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("early Evict removed %d (%v)", n, err)
	}
	n, err = s.Evict(ctx, epoch.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 eviction, got %d (%v)", n, err)
	}
	if _, err := s.GetState(ctx, "a"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_PayloadIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	payload := []byte("abc")
	r := record("a", api.StateSuccess, epoch)
	r.Payload = payload
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload[0] = 'x'

	got, _ := s.GetState(ctx, "a")
	if string(got.Payload) != "abc" {
		t.Fatalf("stored payload aliased caller memory: %q", got.Payload)
	}
}
