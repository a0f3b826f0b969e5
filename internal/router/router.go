// Package router selects which provider answers a request and walks the
// tiered fallback chain when providers fail. Ordering is deterministic:
// tiers ascending, configuration order within a tier, with providers under
// soft rate pressure pushed to the back of their tier.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/provider"
	"github.com/koopa0/relay/internal/ratelimit"
)

// ErrExhausted is returned when every eligible provider has been tried and
// none produced a reply. The chat layer turns this into a degraded response.
var ErrExhausted = errors.New("all providers exhausted")

// DefaultAttemptTimeout bounds one provider attempt.
const DefaultAttemptTimeout = 30 * time.Second

// Outcome is a successful routing result.
type Outcome struct {
	Reply    *provider.Reply
	Provider string
	Model    string

	// Fallbacks counts how many providers failed before this one answered.
	Fallbacks int
}

// Router walks the provider pool in tier order until one answers.
//
// Router is safe for concurrent use.
type Router struct {
	pool    *provider.Pool
	tracker *ratelimit.Tracker
	logger  log.Logger

	attemptTimeout time.Duration

	// authDisabled holds providers whose credentials were rejected. They stay
	// out of rotation until configuration reload rebuilds the router.
	mu           sync.RWMutex
	authDisabled map[string]bool
}

// Option configures a Router.
type Option func(*Router)

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.attemptTimeout = d
		}
	}
}

// New creates a Router over the given pool and rate tracker.
func New(pool *provider.Pool, tracker *ratelimit.Tracker, logger log.Logger, opts ...Option) (*Router, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	r := &Router{
		pool:           pool,
		tracker:        tracker,
		logger:         logger,
		attemptTimeout: DefaultAttemptTimeout,
		authDisabled:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Route sends the prompt to the first eligible provider and falls back down
// the chain on failure. Each provider is attempted at most once per call, so
// the attempt count is bounded by the pool size.
//
// A canceled attempt still consumed its rate budget: the window claim happens
// before the send, and claims are never refunded.
func (r *Router) Route(ctx context.Context, prompt string, params provider.Params) (*Outcome, error) {
	candidates := r.candidates()
	if len(candidates) == 0 {
		r.logger.Warn("no eligible providers", "pool_size", r.pool.Len())
		return nil, ErrExhausted
	}

	fallbacks := 0
	for _, entry := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("routing canceled: %w", err)
		}

		id := entry.Adapter.ID()

		// Claim the rate budget before sending.
		if !r.tracker.Consume(id) {
			r.logger.Debug("provider window full", "provider", id)
			continue
		}

		if err := entry.Wait(ctx); err != nil {
			return nil, fmt.Errorf("routing canceled: %w", err)
		}

		attemptStart := time.Now()
		reply, err := r.attempt(ctx, entry, prompt, params)
		latency := time.Since(attemptStart)
		if err == nil {
			r.tracker.RecordSuccess(id)
			if fallbacks > 0 {
				r.logger.Info("request recovered via fallback",
					"provider", id, "fallbacks", fallbacks)
			}
			return &Outcome{
				Reply:     reply,
				Provider:  id,
				Model:     entry.Adapter.Model(),
				Fallbacks: fallbacks,
			}, nil
		}

		perr := provider.AsError(id, err)
		r.logger.Warn("provider attempt failed",
			"provider", id,
			"kind", perr.Kind.String(),
			"tier", entry.Tier,
			"latency_ms", latency.Milliseconds(),
			"error", perr.Err)

		switch perr.Kind {
		case provider.FailureAuth:
			r.disableAuth(id)
		default:
			r.tracker.RecordFailure(id)
		}
		fallbacks++
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrExhausted, fallbacks)
}

// attempt runs one provider call under the per-attempt timeout.
func (r *Router) attempt(ctx context.Context, entry *provider.Entry, prompt string, params provider.Params) (*provider.Reply, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()
	return entry.Adapter.Send(attemptCtx, prompt, params)
}

// candidates returns the eligible providers in routing order: tier ascending,
// then configuration order, with providers under soft pressure moved to the
// back of their tier. Auth-disabled and cooling-down providers are excluded.
func (r *Router) candidates() []*provider.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*provider.Entry, 0, r.pool.Len())
	order := make(map[*provider.Entry]int, r.pool.Len())
	for i, e := range r.pool.Entries() {
		id := e.Adapter.ID()
		if r.authDisabled[id] {
			continue
		}
		if r.tracker.InCooldown(id) {
			continue
		}
		entries = append(entries, e)
		order[e] = i
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		ap := r.tracker.UnderPressure(a.Adapter.ID())
		bp := r.tracker.UnderPressure(b.Adapter.ID())
		if ap != bp {
			return !ap
		}
		return order[a] < order[b]
	})
	return entries
}

// disableAuth removes a provider from rotation after a credential rejection.
func (r *Router) disableAuth(id string) {
	r.mu.Lock()
	already := r.authDisabled[id]
	r.authDisabled[id] = true
	r.mu.Unlock()
	if !already {
		r.logger.Error("provider disabled until config reload", "provider", id, "reason", "auth failure")
	}
}

// AuthDisabled reports whether a provider has been removed from rotation
// after a credential rejection.
func (r *Router) AuthDisabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authDisabled[id]
}
