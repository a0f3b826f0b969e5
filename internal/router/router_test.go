package router

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/provider"
	"github.com/koopa0/relay/internal/ratelimit"
)

func newTracker(limits map[string]ratelimit.Limits) *ratelimit.Tracker {
	return ratelimit.New(ratelimit.DefaultConfig(), limits, log.NewNop())
}

func unlimited(ids ...string) map[string]ratelimit.Limits {
	m := make(map[string]ratelimit.Limits, len(ids))
	for _, id := range ids {
		m[id] = ratelimit.Limits{}
	}
	return m
}

func mustPool(t *testing.T, specs ...provider.Spec) *provider.Pool {
	t.Helper()
	pool, err := provider.NewPool(specs)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return pool
}

func TestRouteFirstProviderAnswers(t *testing.T) {
	a := provider.NewFakeAdapter("a")
	b := provider.NewFakeAdapter("b")
	pool := mustPool(t,
		provider.Spec{Adapter: a, Tier: 0},
		provider.Spec{Adapter: b, Tier: 1},
	)
	r, err := New(pool, newTracker(unlimited("a", "b")), log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := r.Route(context.Background(), "hello", provider.Params{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if out.Provider != "a" || out.Fallbacks != 0 {
		t.Errorf("Route() = provider %s fallbacks %d, want a/0", out.Provider, out.Fallbacks)
	}
	if b.Calls() != 0 {
		t.Errorf("lower-tier provider was called %d times, want 0", b.Calls())
	}
}

func TestRouteFallsBackPastFailures(t *testing.T) {
	// a rejects credentials, b's window is full, c answers.
	a := provider.NewFakeAdapter("a", provider.FakeResult{Err: errors.New("invalid api key")})
	b := provider.NewFakeAdapter("b")
	c := provider.NewFakeAdapter("c")
	pool := mustPool(t,
		provider.Spec{Adapter: a, Tier: 0},
		provider.Spec{Adapter: b, Tier: 1},
		provider.Spec{Adapter: c, Tier: 2},
	)
	limits := unlimited("a", "c")
	limits["b"] = ratelimit.Limits{PerMinute: 1}
	tracker := newTracker(limits)
	if !tracker.Consume("b") {
		t.Fatal("priming consume for b failed")
	}

	r, err := New(pool, tracker, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := r.Route(context.Background(), "hello", provider.Params{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if out.Provider != "c" {
		t.Errorf("Route() provider = %s, want c", out.Provider)
	}
	if b.Calls() != 0 {
		t.Errorf("window-full provider was called %d times, want 0", b.Calls())
	}
	if !r.AuthDisabled("a") {
		t.Error("auth-failing provider was not disabled")
	}

	// a stays out of rotation on the next request.
	out, err = r.Route(context.Background(), "again", provider.Params{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if a.Calls() != 1 {
		t.Errorf("disabled provider called %d times total, want 1", a.Calls())
	}
	if out.Provider != "c" {
		t.Errorf("Route() provider = %s, want c", out.Provider)
	}
}

func TestRouteExhaustion(t *testing.T) {
	a := provider.NewFakeAdapter("a", provider.FakeResult{Err: errors.New("503 unavailable")})
	b := provider.NewFakeAdapter("b", provider.FakeResult{Err: errors.New("connection reset")})
	pool := mustPool(t,
		provider.Spec{Adapter: a, Tier: 0},
		provider.Spec{Adapter: b, Tier: 1},
	)
	r, err := New(pool, newTracker(unlimited("a", "b")), log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = r.Route(context.Background(), "hello", provider.Params{})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Route() error = %v, want ErrExhausted", err)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Errorf("attempt counts = %d/%d, want each provider tried exactly once", a.Calls(), b.Calls())
	}
}

func TestRoutePressureBiasWithinTier(t *testing.T) {
	a := provider.NewFakeAdapter("a")
	b := provider.NewFakeAdapter("b")
	pool := mustPool(t,
		provider.Spec{Adapter: a, Tier: 0},
		provider.Spec{Adapter: b, Tier: 0},
	)
	limits := map[string]ratelimit.Limits{
		"a": {PerMinute: 10},
		"b": {},
	}
	tracker := newTracker(limits)
	// Push a past the soft threshold (8 of 10).
	for i := 0; i < 8; i++ {
		if !tracker.Consume("a") {
			t.Fatal("priming consume for a failed")
		}
	}

	r, err := New(pool, tracker, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := r.Route(context.Background(), "hello", provider.Params{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if out.Provider != "b" {
		t.Errorf("Route() provider = %s, want b (a under pressure)", out.Provider)
	}
}

func TestRouteSkipsCooldown(t *testing.T) {
	a := provider.NewFakeAdapter("a")
	b := provider.NewFakeAdapter("b")
	pool := mustPool(t,
		provider.Spec{Adapter: a, Tier: 0},
		provider.Spec{Adapter: b, Tier: 1},
	)
	tracker := newTracker(unlimited("a", "b"))
	for i := 0; i < ratelimit.DefaultConfig().FailureThreshold; i++ {
		tracker.RecordFailure("a")
	}

	r, err := New(pool, tracker, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := r.Route(context.Background(), "hello", provider.Params{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if out.Provider != "b" {
		t.Errorf("Route() provider = %s, want b (a cooling down)", out.Provider)
	}
	if a.Calls() != 0 {
		t.Errorf("cooling provider was called %d times, want 0", a.Calls())
	}
}

func TestRouteCanceledContext(t *testing.T) {
	a := provider.NewFakeAdapter("a")
	pool := mustPool(t, provider.Spec{Adapter: a, Tier: 0})
	r, err := New(pool, newTracker(unlimited("a")), log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Route(ctx, "hello", provider.Params{}); err == nil {
		t.Error("Route(canceled) error = nil, want error")
	}
}

// cancelingAdapter cancels the caller's context from inside Send, modeling a
// client that disconnects while the provider call is in flight.
type cancelingAdapter struct {
	id     string
	cancel context.CancelFunc
}

func (a *cancelingAdapter) ID() string    { return a.id }
func (a *cancelingAdapter) Model() string { return "test/" + a.id }

func (a *cancelingAdapter) Send(ctx context.Context, _ string, _ provider.Params) (*provider.Reply, error) {
	a.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRouteCanceledMidSendStillCounts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &cancelingAdapter{id: "a", cancel: cancel}
	pool := mustPool(t, provider.Spec{Adapter: a, Tier: 0})
	tracker := newTracker(map[string]ratelimit.Limits{"a": {PerMinute: 5}})
	r, err := New(pool, tracker, log.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Route(ctx, "hello", provider.Params{}); err == nil {
		t.Fatal("Route() error = nil, want error after mid-send cancellation")
	}

	// The window claim happened before the send and is never refunded.
	if got := tracker.Consumed("a"); got != 1 {
		t.Errorf("Consumed(a) = %d, want 1 (canceled attempt still counts)", got)
	}
}

func TestRouteFallbackLogCarriesLatency(t *testing.T) {
	a := provider.NewFakeAdapter("a", provider.FakeResult{Err: errors.New("503 unavailable")})
	b := provider.NewFakeAdapter("b")
	pool := mustPool(t,
		provider.Spec{Adapter: a, Tier: 0},
		provider.Spec{Adapter: b, Tier: 1},
	)

	var buf bytes.Buffer
	r, err := New(pool, newTracker(unlimited("a", "b")), log.NewWithWriter(&buf, log.Config{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Route(context.Background(), "hello", provider.Params{}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	logged := buf.String()
	if !strings.Contains(logged, "provider attempt failed") {
		t.Fatalf("fallback attempt was not logged: %q", logged)
	}
	if !strings.Contains(logged, "latency_ms=") {
		t.Errorf("fallback log missing latency_ms: %q", logged)
	}
}
