package results

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func runResultContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("TerminalIsFinal", func(t *testing.T) { testTerminalIsFinal(t, newStore(t)) })
	t.Run("CreateRejectsLiveDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Evict", func(t *testing.T) { testEvict(t, newStore(t)) })
}

func record(id string, state api.State, at time.Time) api.TaskResult {
	return api.TaskResult{TaskID: id, State: state, UpdatedAt: at}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetState(ctx, "missing"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Create(ctx, record("a", api.StatePending, epoch)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, st := range []api.State{api.StateStarted, api.StateRetry, api.StatePending, api.StateStarted} {
		if err := s.RecordState(ctx, record("a", st, epoch)); err != nil {
			t.Fatalf("RecordState %s: %v", st, err)
		}
	}

	done := api.TaskResult{
		TaskID:    "a",
		State:     api.StateSuccess,
		Payload:   []byte("ok"),
		UpdatedAt: epoch.Add(time.Second),
		ExpiresAt: epoch.Add(time.Hour),
	}
	if err := s.RecordState(ctx, done); err != nil {
		t.Fatalf("RecordState success: %v", err)
	}

	got, err := s.GetState(ctx, "a")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.State != api.StateSuccess || string(got.Payload) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.UpdatedAt.Equal(done.UpdatedAt) || !got.ExpiresAt.Equal(done.ExpiresAt) {
		t.Fatalf("times not preserved: %+v", got)
	}
}

func testTerminalIsFinal(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Create(ctx, record("a", api.StatePending, epoch)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	failed := record("a", api.StateFailure, epoch)
	failed.Error = "boom"
	if err := s.RecordState(ctx, failed); err != nil {
		t.Fatalf("RecordState: %v", err)
	}

	for _, st := range []api.State{api.StatePending, api.StateStarted, api.StateSuccess, api.StateFailure} {
		if err := s.RecordState(ctx, record("a", st, epoch)); !errors.Is(err, api.ErrTerminalState) {
			t.Fatalf("expected ErrTerminalState writing %s, got %v", st, err)
		}
	}

	got, err := s.GetState(ctx, "a")
	if err != nil || got.State != api.StateFailure || got.Error != "boom" {
		t.Fatalf("terminal record changed: %+v, %v", got, err)
	}
}

func testCreateDuplicate(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Create(ctx, record("a", api.StatePending, epoch)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, record("a", api.StatePending, epoch)); !errors.Is(err, api.ErrDuplicateTaskID) {
		t.Fatalf("expected ErrDuplicateTaskID, got %v", err)
	}

	if err := s.RecordState(ctx, record("a", api.StateRevoked, epoch)); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	// A finished id may be reused.
	if err := s.Create(ctx, record("a", api.StatePending, epoch.Add(time.Minute))); err != nil {
		t.Fatalf("Create after terminal: %v", err)
	}
	got, _ := s.GetState(ctx, "a")
	if got.State != api.StatePending {
		t.Fatalf("expected PENDING, got %s", got.State)
	}
}

func testDelete(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Create(ctx, record("a", api.StatePending, epoch)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetState(ctx, "a"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete of missing record: %v", err)
	}
}

func testEvict(t *testing.T, s Store) {
	ctx := context.Background()
	// Far-future expiry so stores that expire on the server clock keep it.
	keep := record("keep", api.StateSuccess, epoch)
	keep.ExpiresAt = time.Now().Add(24 * time.Hour)
	live := record("live", api.StateStarted, epoch)

	for _, r := range []api.TaskResult{keep, live} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create %s: %v", r.TaskID, err)
		}
	}

	if _, err := s.Evict(ctx, time.Now()); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	for _, id := range []string{"keep", "live"} {
		if _, err := s.GetState(ctx, id); err != nil {
			t.Fatalf("%s evicted early: %v", id, err)
		}
	}
}
