// Package cache provides an in-memory TTL cache for chat responses. Entries
// are keyed by the normalized query, its classification, and the owner's
// memory fingerprint, so a memory write naturally invalidates every cached
// answer that could have depended on it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/relay/internal/classify"
	"github.com/koopa0/relay/internal/log"
)

// TTLs holds the time-to-live per query classification. General answers stay
// valid longest; personal and temporal answers go stale quickly because the
// underlying facts change.
type TTLs struct {
	General  time.Duration
	Personal time.Duration
	Temporal time.Duration
}

// DefaultTTLs returns the standard TTL table.
func DefaultTTLs() TTLs {
	return TTLs{
		General:  10 * time.Minute,
		Personal: 30 * time.Second,
		Temporal: 15 * time.Second,
	}
}

// For returns the TTL for a classification kind.
func (t TTLs) For(kind classify.Kind) time.Duration {
	switch kind {
	case classify.KindPersonal:
		return t.Personal
	case classify.KindTemporal:
		return t.Temporal
	default:
		return t.General
	}
}

// Entry is a cached chat response with its provenance.
type Entry struct {
	Content  string
	Provider string
	Model    string
}

type item struct {
	entry     Entry
	expiresAt time.Time
}

// Cache is a TTL response cache safe for concurrent use. A background janitor
// sweeps expired entries; lookups never return an expired entry even if the
// janitor has not run yet.
type Cache struct {
	mu     sync.RWMutex
	items  map[string]item
	ttls   TTLs
	logger log.Logger
	now    func() time.Time

	sweepEvery time.Duration
	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLs overrides the default TTL table.
func WithTTLs(t TTLs) Option {
	return func(c *Cache) { c.ttls = t }
}

// WithSweepInterval sets how often the janitor removes expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// New creates a Cache and starts its janitor. Call Close to stop it.
func New(logger log.Logger, opts ...Option) *Cache {
	c := &Cache{
		items:      make(map[string]item),
		ttls:       DefaultTTLs(),
		logger:     logger,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		sweepEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.janitor()
	return c
}

// Key derives the cache key for a query. The query is lowercased and
// whitespace-collapsed so trivially different phrasings share an entry, and
// the owner's memory fingerprint is folded in so any memory change produces a
// fresh key.
func Key(query string, kind classify.Kind, fingerprint string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(norm + "|" + string(kind) + "|" + fingerprint))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for key, or false when absent or expired.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.now().After(it.expiresAt) {
		return Entry{}, false
	}
	return it.entry, true
}

// Set stores a response under key with the TTL for its classification.
// A non-positive TTL disables caching for that kind.
func (c *Cache) Set(key string, kind classify.Kind, e Entry) {
	ttl := c.ttls.For(kind)
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[key] = item{entry: e, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the janitor and waits for it to exit. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

func (c *Cache) janitor() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for k, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	remaining := len(c.items)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cache sweep", "removed", removed, "remaining", remaining)
	}
}
