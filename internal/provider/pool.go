package provider

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/time/rate"
)

// Entry is one provider in the pool: an adapter plus its tier rank and an
// optional proactive smoother. Lower tiers are tried first.
type Entry struct {
	Adapter Adapter
	Tier    int

	// limiter smooths burst traffic toward the provider before the
	// sliding-window tracker does its hard accounting. Nil disables smoothing.
	limiter *rate.Limiter
}

// Wait blocks until the entry's smoother admits one request, or the context
// is canceled. A nil limiter admits immediately.
func (e *Entry) Wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Pool holds the configured providers in tier order. It contains no routing
// logic: the router walks Entries and decides who to call.
//
// Pool is immutable after construction and safe for concurrent use.
type Pool struct {
	entries []*Entry
	byID    map[string]*Entry
}

// Spec describes one provider for pool construction.
type Spec struct {
	Adapter Adapter
	Tier    int

	// SmoothRPS enables a proactive token-bucket limiter at the given
	// sustained requests-per-second (burst 2x). Zero disables it.
	SmoothRPS float64
}

// NewPool builds a Pool from provider specs, sorted by tier ascending with
// configuration order as the tiebreaker. At least one provider is required;
// zero providers is a configuration error, fatal at startup.
func NewPool(specs []Spec) (*Pool, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	entries := make([]*Entry, 0, len(specs))
	byID := make(map[string]*Entry, len(specs))
	for _, s := range specs {
		if s.Adapter == nil {
			return nil, fmt.Errorf("nil adapter in provider specs")
		}
		id := s.Adapter.ID()
		if id == "" {
			return nil, fmt.Errorf("provider with empty ID")
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("duplicate provider ID %q", id)
		}

		e := &Entry{Adapter: s.Adapter, Tier: s.Tier}
		if s.SmoothRPS > 0 {
			burst := int(s.SmoothRPS * 2)
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(s.SmoothRPS), burst)
		}
		entries = append(entries, e)
		byID[id] = e
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Tier < entries[j].Tier
	})

	return &Pool{entries: entries, byID: byID}, nil
}

// Entries returns the providers in tier order. Callers must not mutate the
// returned slice.
func (p *Pool) Entries() []*Entry { return p.entries }

// Lookup returns the entry for a provider ID, or nil.
func (p *Pool) Lookup(id string) *Entry { return p.byID[id] }

// Len returns the number of configured providers.
func (p *Pool) Len() int { return len(p.entries) }
