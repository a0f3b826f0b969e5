package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/cache"
	"github.com/koopa0/relay/internal/classify"
	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/memory"
	"github.com/koopa0/relay/internal/provider"
	"github.com/koopa0/relay/internal/ratelimit"
	"github.com/koopa0/relay/internal/router"
)

func newService(t *testing.T, adapters ...provider.Spec) (*Service, *cache.Cache) {
	t.Helper()

	pool, err := provider.NewPool(adapters)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	limits := make(map[string]ratelimit.Limits, len(adapters))
	for _, a := range adapters {
		limits[a.Adapter.ID()] = ratelimit.Limits{}
	}
	tracker := ratelimit.New(ratelimit.DefaultConfig(), limits, log.NewNop())
	rt, err := router.New(pool, tracker, log.NewNop())
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}

	c := cache.New(log.NewNop(), cache.WithSweepInterval(time.Hour))
	t.Cleanup(c.Close)

	svc, err := New(Config{
		Router: rt,
		Cache:  c,
		Logger: log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, c
}

func TestSendAnswersAndCaches(t *testing.T) {
	a := provider.NewFakeAdapter("a", provider.FakeResult{
		Reply: &provider.Reply{Text: "Go is a language.", TokensUsed: 5},
	})
	svc, _ := newService(t, provider.Spec{Adapter: a, Tier: 0})

	req := Request{OwnerID: "owner1", Message: "what is go"}

	first, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if first.Cached || first.Content != "Go is a language." || first.Provider != "a" {
		t.Errorf("first Send() = %+v", first)
	}
	if first.Classification != classify.KindGeneral {
		t.Errorf("Classification = %s, want general", first.Classification)
	}

	second, err := svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send() #2 error = %v", err)
	}
	if !second.Cached {
		t.Error("second Send() was not served from cache")
	}
	if second.Content != first.Content || second.Provider != first.Provider {
		t.Errorf("cached response differs: %+v vs %+v", second, first)
	}
	if a.Calls() != 1 {
		t.Errorf("provider called %d times, want 1", a.Calls())
	}
}

func TestSendFallsBack(t *testing.T) {
	a := provider.NewFakeAdapter("a", provider.FakeResult{Err: errors.New("503 unavailable")})
	b := provider.NewFakeAdapter("b", provider.FakeResult{
		Reply: &provider.Reply{Text: "answered by b"},
	})
	svc, _ := newService(t,
		provider.Spec{Adapter: a, Tier: 0},
		provider.Spec{Adapter: b, Tier: 1},
	)

	resp, err := svc.Send(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.Provider != "b" || resp.Fallbacks != 1 {
		t.Errorf("Send() = provider %s fallbacks %d, want b/1", resp.Provider, resp.Fallbacks)
	}
}

func TestSendDegradedOnExhaustion(t *testing.T) {
	a := provider.NewFakeAdapter("a", provider.FakeResult{Err: errors.New("503 unavailable")})
	svc, c := newService(t, provider.Spec{Adapter: a, Tier: 0})

	resp, err := svc.Send(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	if err != nil {
		t.Fatalf("Send() error = %v, degraded response expected instead", err)
	}
	if !resp.Degraded || resp.Content != DegradedMessage {
		t.Errorf("Send() = %+v, want labeled degraded response", resp)
	}
	if c.Len() != 0 {
		t.Error("degraded response was cached")
	}
}

func TestSendValidation(t *testing.T) {
	a := provider.NewFakeAdapter("a")
	svc, _ := newService(t, provider.Spec{Adapter: a, Tier: 0})

	if _, err := svc.Send(context.Background(), Request{OwnerID: "o", Message: "  "}); err == nil {
		t.Error("Send(empty message) error = nil, want error")
	}
	if _, err := svc.Send(context.Background(), Request{Message: "hi"}); err == nil {
		t.Error("Send(no owner) error = nil, want error")
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New(zero Config) error = nil, want error")
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := buildPrompt("", "hi"); got != "hi" {
		t.Errorf("buildPrompt(no context) = %q", got)
	}
	got := buildPrompt("What I know about you:\n- name: Kunal\n", "what's my name")
	if got != "What I know about you:\n- name: Kunal\n\nUser message:\nwhat's my name" {
		t.Errorf("buildPrompt() = %q", got)
	}
}

func TestTemporalQueriesGetShortTTL(t *testing.T) {
	// Same text, different classification kinds produce different cache keys,
	// so a temporal answer can expire while a general one survives.
	a := cache.Key("what time is it", classify.KindTemporal, "fp")
	b := cache.Key("what time is it", classify.KindGeneral, "fp")
	if a == b {
		t.Error("classification not folded into cache key")
	}
}

func TestMemoryRefs(t *testing.T) {
	if refs := memoryRefs(nil); refs != nil {
		t.Errorf("memoryRefs(nil) = %v, want nil", refs)
	}

	a, b := uuid.New(), uuid.New()
	refs := memoryRefs([]*memory.Memory{{ID: a}, {ID: b}})
	if len(refs) != 2 || refs[0] != a.String() || refs[1] != b.String() {
		t.Errorf("memoryRefs() = %v, want [%s %s]", refs, a, b)
	}
}
