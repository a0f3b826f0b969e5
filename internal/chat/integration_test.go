//go:build integration
// +build integration

package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/relay/internal/cache"
	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/memory"
	"github.com/koopa0/relay/internal/provider"
	"github.com/koopa0/relay/internal/ratelimit"
	"github.com/koopa0/relay/internal/router"
	"github.com/koopa0/relay/internal/testutil"
)

func TestPersonalQueryCarriesStoredFact(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store, err := memory.NewStore(tdb.Pool, testutil.NewFakeEmbedder(int(memory.VectorDimension)), log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := store.Save(ctx, "owner1", "name: Kunal", memory.SaveOpts{
		Tags: []string{"name"}, Importance: 5, Durable: true,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	adapter := provider.NewFakeAdapter("a", provider.FakeResult{
		Reply: &provider.Reply{Text: "Your name is Kunal."},
	})
	pool, err := provider.NewPool([]provider.Spec{{Adapter: adapter, Tier: 0}})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	tracker := ratelimit.New(ratelimit.DefaultConfig(), map[string]ratelimit.Limits{"a": {}}, log.NewNop())
	rt, err := router.New(pool, tracker, log.NewNop())
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	c := cache.New(log.NewNop(), cache.WithSweepInterval(time.Hour))
	defer c.Close()

	var wg sync.WaitGroup
	svc, err := New(Config{
		Router:   rt,
		Cache:    c,
		Logger:   log.NewNop(),
		Memories: store,
		WG:       &wg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp, err := svc.Send(ctx, Request{OwnerID: "owner1", Message: "what's my name?"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	wg.Wait()

	if resp.MemoryCount == 0 {
		t.Error("Send() retrieved no memories for a personal query")
	}
	if len(resp.MemoryReferences) != resp.MemoryCount {
		t.Errorf("MemoryReferences has %d entries, want %d", len(resp.MemoryReferences), resp.MemoryCount)
	}
	stored, err := store.All(ctx, "owner1")
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(stored) == 0 || resp.MemoryReferences[0] != stored[0].ID.String() {
		t.Errorf("MemoryReferences = %v, want the stored fact's ID %v", resp.MemoryReferences, stored)
	}
	if !strings.Contains(adapter.LastPrompt(), "name: Kunal") {
		t.Errorf("prompt missing stored fact:\n%s", adapter.LastPrompt())
	}
	if !strings.Contains(adapter.LastPrompt(), "what's my name?") {
		t.Errorf("prompt missing user message:\n%s", adapter.LastPrompt())
	}
}

func TestMemoryWriteInvalidatesCache(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store, err := memory.NewStore(tdb.Pool, testutil.NewFakeEmbedder(int(memory.VectorDimension)), log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	adapter := provider.NewFakeAdapter("a")
	pool, err := provider.NewPool([]provider.Spec{{Adapter: adapter, Tier: 0}})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	tracker := ratelimit.New(ratelimit.DefaultConfig(), map[string]ratelimit.Limits{"a": {}}, log.NewNop())
	rt, err := router.New(pool, tracker, log.NewNop())
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	c := cache.New(log.NewNop(), cache.WithSweepInterval(time.Hour))
	defer c.Close()

	var wg sync.WaitGroup
	svc, err := New(Config{
		Router:   rt,
		Cache:    c,
		Logger:   log.NewNop(),
		Memories: store,
		WG:       &wg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := Request{OwnerID: "owner1", Message: "tell me about my preferences"}
	if _, err := svc.Send(ctx, req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	wg.Wait()
	calls := adapter.Calls()

	// A new fact changes the fingerprint, so the cached answer no longer keys.
	if err := store.Save(ctx, "owner1", "prefers dark roast coffee", memory.SaveOpts{
		Tags: []string{"coffee"}, Importance: 2,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := svc.Send(ctx, req); err != nil {
		t.Fatalf("Send() #2 error = %v", err)
	}
	wg.Wait()

	if adapter.Calls() == calls {
		t.Error("memory write did not invalidate the cached answer")
	}
}
