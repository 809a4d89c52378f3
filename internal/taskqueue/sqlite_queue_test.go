package taskqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petrijr/fluxq/internal/testutil"
)

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(testutil.OpenSQLite(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, newTestSQLiteStore)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	db := testutil.OpenSQLiteFile(t, path)
	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	put(t, s, mkTask("q", "a", 0), time.Time{})
	put(t, s, mkTask("q", "b", 0), time.Time{})

	// Lease one and "crash" with the lease outstanding.
	leased := lease(t, s, epoch, 1, "q")
	expectIDs(t, leased, "a")
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db = testutil.OpenSQLiteFile(t, path)
	t.Cleanup(func() { _ = db.Close() })
	s, err = NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	exp, err := s.Expired(ctx, epoch.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	expectIDs(t, exp, "a")

	if ok, err := s.Requeue(ctx, exp[0].Tag, Requeue{}); err != nil || !ok {
		t.Fatalf("Requeue: %v, %v", ok, err)
	}
	expectIDs(t, lease(t, s, epoch.Add(time.Minute), 10, "q"), "a", "b")
}
