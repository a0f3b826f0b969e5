//go:build integration
// +build integration

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	tdb, cleanup := testutil.SetupTestDB(t)
	store, err := NewStore(tdb.Pool, testutil.NewFakeEmbedder(int(VectorDimension)), log.NewNop())
	if err != nil {
		cleanup()
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, cleanup
}

func TestSaveAndRetrieve(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	err := store.Save(ctx, "owner1", "name: Kunal", SaveOpts{
		Tags: []string{"name"}, Importance: 5, Durable: true,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	err = store.Save(ctx, "owner1", "prefers spicy ramen for lunch", SaveOpts{
		Tags: []string{"food"}, Importance: 2,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.RetrieveRelevant(ctx, "owner1", "what is the name of this user", RetrieveOpts{
		Level: ContextComprehensive, Personal: true,
	})
	if err != nil {
		t.Fatalf("RetrieveRelevant() error = %v", err)
	}
	if len(got) == 0 {
		t.Fatal("RetrieveRelevant() returned nothing")
	}
	found := false
	for _, m := range got {
		if m.Content == "name: Kunal" {
			found = true
		}
	}
	if !found {
		t.Errorf("RetrieveRelevant() missed the name fact: %+v", got)
	}
}

func TestSaveMergesExactDuplicate(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.Save(ctx, "owner1", "name: Kunal", SaveOpts{Durable: true}); err != nil {
			t.Fatalf("Save() #%d error = %v", i+1, err)
		}
	}

	all, err := store.All(ctx, "owner1")
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("All() returned %d memories after duplicate save, want 1", len(all))
	}
}

func TestOwnerIsolation(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Save(ctx, "owner1", "name: Kunal", SaveOpts{Durable: true}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.RetrieveRelevant(ctx, "owner2", "name", RetrieveOpts{Personal: true})
	if err != nil {
		t.Fatalf("RetrieveRelevant() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("RetrieveRelevant() leaked %d memories across owners", len(got))
	}
}

func TestFingerprintChangesOnSave(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	before, err := store.Fingerprint(ctx, "owner1")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if before != "empty" {
		t.Errorf("Fingerprint() on empty set = %q, want %q", before, "empty")
	}

	if err := store.Save(ctx, "owner1", "city: Pune", SaveOpts{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	after, err := store.Fingerprint(ctx, "owner1")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if after == before {
		t.Error("Fingerprint() unchanged after Save()")
	}
}

func TestDeleteStale(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Save(ctx, "owner1", "temporary note", SaveOpts{TTL: time.Millisecond}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := store.DeleteStale(ctx)
	if err != nil {
		t.Fatalf("DeleteStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteStale() = %d, want 1", n)
	}

	all, err := store.All(ctx, "owner1")
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("All() returned %d memories after expiry, want 0", len(all))
	}
}

func TestDeleteOwnership(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Save(ctx, "owner1", "name: Kunal", SaveOpts{Durable: true}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	all, err := store.All(ctx, "owner1")
	if err != nil || len(all) != 1 {
		t.Fatalf("All() = %v, %v", all, err)
	}
	id := all[0].ID

	if err := store.Delete(ctx, id, "owner2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Delete() cross-owner error = %v, want ErrForbidden", err)
	}
	if err := store.Delete(ctx, uuid.New(), "owner1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() missing ID error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, id, "owner1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}

func TestRecentSummaries(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.pool.Exec(ctx,
		`INSERT INTO memory_summaries (owner_id, period, period_start, content)
		 VALUES ($1, 'weekly', now() - interval '7 days', $2)`,
		"owner1", "Discussed Go routing last week.",
	)
	if err != nil {
		t.Fatalf("inserting summary: %v", err)
	}
	// A rollup past its retention must never reach the prompt builder.
	_, err = store.pool.Exec(ctx,
		`INSERT INTO memory_summaries (owner_id, period, period_start, content, expires_at)
		 VALUES ($1, 'weekly', now() - interval '120 days', $2, now() - interval '1 day')`,
		"owner1", "Stale rollup from last season.",
	)
	if err != nil {
		t.Fatalf("inserting expired summary: %v", err)
	}

	sums, err := store.RecentSummaries(ctx, "owner1", 5)
	if err != nil {
		t.Fatalf("RecentSummaries() error = %v", err)
	}
	if len(sums) != 1 || sums[0].Period != PeriodWeekly {
		t.Errorf("RecentSummaries() = %+v, want one weekly summary", sums)
	}
	if sums[0].Content != "Discussed Go routing last week." {
		t.Errorf("RecentSummaries() returned expired rollup: %q", sums[0].Content)
	}

	swept, err := store.DeleteExpiredSummaries(ctx)
	if err != nil {
		t.Fatalf("DeleteExpiredSummaries() error = %v", err)
	}
	if swept != 1 {
		t.Errorf("DeleteExpiredSummaries() = %d, want 1", swept)
	}
}
