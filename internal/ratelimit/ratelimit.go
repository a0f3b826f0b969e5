// Package ratelimit tracks per-provider request quotas with sliding windows.
//
// Each provider gets an independent state guarded by its own mutex, so a slow
// check on one provider never stalls another, and concurrent consumers see
// atomic increment-and-check semantics: two requests can never both claim the
// last slot of a window.
package ratelimit

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Limits holds the configured quota for one provider.
// A zero value means unlimited for that dimension.
type Limits struct {
	PerMinute int // requests allowed in any rolling 60s window
	PerMonth  int // requests allowed in the current calendar month
}

// Config tunes tracker behavior shared by all providers.
type Config struct {
	// SoftRatio is the fraction of the minute limit at which a provider is
	// reported as under pressure (biasing routing away from it) without being
	// disabled. Default 0.8.
	SoftRatio float64

	// FailureThreshold is the number of consecutive failures that places a
	// provider in cooldown independent of quota state. Default 3.
	FailureThreshold int

	// Cooldown is how long a provider stays unavailable after hitting
	// FailureThreshold. Default 2 minutes.
	Cooldown time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		SoftRatio:        0.8,
		FailureThreshold: 3,
		Cooldown:         2 * time.Minute,
	}
}

// ErrUnknownProvider is returned for operations on an unregistered provider.
var ErrUnknownProvider = errors.New("unknown provider")

// providerState is the mutable quota state for one provider.
// All fields are guarded by mu.
type providerState struct {
	mu sync.Mutex

	limits Limits

	// stamps is the rolling minute window, oldest first.
	stamps []time.Time

	// monthStart anchors the monthly counter; rolls on calendar month change.
	monthStart time.Time
	monthCount int

	consecutiveFailures int
	cooldownUntil       time.Time
}

// Tracker manages quota state for a set of providers.
//
// Tracker is safe for concurrent use by multiple goroutines. The providers
// map is populated at construction and read-only afterwards, so lookups need
// no lock; only per-provider state is synchronized.
type Tracker struct {
	cfg       Config
	providers map[string]*providerState
	logger    *slog.Logger

	// now is overridable in tests to control window arithmetic.
	now func() time.Time
}

// New creates a Tracker for the given providers.
func New(cfg Config, limits map[string]Limits, logger *slog.Logger) *Tracker {
	if cfg.SoftRatio <= 0 || cfg.SoftRatio > 1 {
		cfg.SoftRatio = DefaultConfig().SoftRatio
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	providers := make(map[string]*providerState, len(limits))
	for id, l := range limits {
		providers[id] = &providerState{limits: l}
	}

	return &Tracker{
		cfg:       cfg,
		providers: providers,
		logger:    logger,
		now:       time.Now,
	}
}

// state returns the provider state or nil if unregistered.
func (t *Tracker) state(providerID string) *providerState {
	return t.providers[providerID]
}

// trim drops window entries older than one minute and rolls the monthly
// counter when the calendar month changes. Caller holds s.mu.
func (s *providerState) trim(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}

	if s.monthStart.IsZero() ||
		now.Month() != s.monthStart.Month() || now.Year() != s.monthStart.Year() {
		s.monthStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		s.monthCount = 0
	}
}

// hasCapacity reports whether one more request fits both windows.
// Caller holds s.mu and must have called trim first.
func (s *providerState) hasCapacity() bool {
	if s.limits.PerMinute > 0 && len(s.stamps) >= s.limits.PerMinute {
		return false
	}
	if s.limits.PerMonth > 0 && s.monthCount >= s.limits.PerMonth {
		return false
	}
	return true
}

// CanConsume reports whether a request to providerID would be admitted right
// now. Advisory only: the answer can change before Consume is called, so
// routing must use Consume for the authoritative check.
func (t *Tracker) CanConsume(providerID string) bool {
	s := t.state(providerID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	if now.Before(s.cooldownUntil) {
		return false
	}
	s.trim(now)
	return s.hasCapacity()
}

// Consume atomically claims one request slot for providerID. Returns true if
// the slot was granted. Check and increment happen under the provider lock,
// so N concurrent calls never over-admit past the configured limit.
func (t *Tracker) Consume(providerID string) bool {
	s := t.state(providerID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	if now.Before(s.cooldownUntil) {
		return false
	}
	s.trim(now)
	if !s.hasCapacity() {
		return false
	}

	s.stamps = append(s.stamps, now)
	s.monthCount++
	return true
}

// UnderPressure reports whether providerID has crossed the soft threshold of
// its minute window. Used to bias routing toward lower tiers; the provider
// remains usable until the hard limit.
func (t *Tracker) UnderPressure(providerID string) bool {
	s := t.state(providerID)
	if s == nil || s.limits.PerMinute <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.trim(t.now())
	soft := int(float64(s.limits.PerMinute) * t.cfg.SoftRatio)
	if soft < 1 {
		// A limit of 1 truncates to a zero threshold, which would report
		// pressure before any request was admitted.
		soft = 1
	}
	return len(s.stamps) >= soft
}

// RecordFailure notes a failed call. FailureThreshold consecutive failures
// place the provider in cooldown; quota state is untouched.
func (t *Tracker) RecordFailure(providerID string) {
	s := t.state(providerID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFailures++
	if s.consecutiveFailures >= t.cfg.FailureThreshold {
		s.cooldownUntil = t.now().Add(t.cfg.Cooldown)
		s.consecutiveFailures = 0
		t.logger.Warn("provider placed in cooldown",
			"provider", providerID,
			"until", s.cooldownUntil,
		)
	}
}

// RecordSuccess resets the consecutive failure count.
func (t *Tracker) RecordSuccess(providerID string) {
	s := t.state(providerID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}

// InCooldown reports whether providerID is currently cooling down.
func (t *Tracker) InCooldown(providerID string) bool {
	s := t.state(providerID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return t.now().Before(s.cooldownUntil)
}

// ResetWindow clears all window and cooldown state for providerID.
// Returns ErrUnknownProvider for unregistered IDs.
func (t *Tracker) ResetWindow(providerID string) error {
	s := t.state(providerID)
	if s == nil {
		return ErrUnknownProvider
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamps = s.stamps[:0]
	s.monthStart = time.Time{}
	s.monthCount = 0
	s.consecutiveFailures = 0
	s.cooldownUntil = time.Time{}
	return nil
}

// Consumed returns the current minute-window count for providerID.
// Intended for observability and tests.
func (t *Tracker) Consumed(providerID string) int {
	s := t.state(providerID)
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trim(t.now())
	return len(s.stamps)
}
