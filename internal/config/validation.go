package config

import (
	"fmt"
	"strings"
)

// validSSLModes are the sslmode values pgx accepts.
var validSSLModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Validate checks the whole configuration and returns the first problem.
// Zero providers is fatal: the router cannot start without a chain.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return ErrNoProviders
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("%w: providers[%d] has empty ID", ErrInvalidProvider, i)
		}
		if p.Model == "" {
			return fmt.Errorf("%w: provider %q has empty model", ErrInvalidProvider, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateProvider, p.ID)
		}
		seen[p.ID] = true
		if p.Tier < 0 {
			return fmt.Errorf("%w: provider %q tier %d is negative", ErrInvalidProvider, p.ID, p.Tier)
		}
		if p.PerMinute < 0 || p.PerMonth < 0 {
			return fmt.Errorf("%w: provider %q has negative limits", ErrInvalidProvider, p.ID)
		}
		if p.SmoothRPS < 0 {
			return fmt.Errorf("%w: provider %q smooth_rps is negative", ErrInvalidProvider, p.ID)
		}
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %f (want 0-2)", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > 128_000 {
		return fmt.Errorf("%w: %d (want 1-128000)", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.Cache.GeneralTTL < 0 || c.Cache.PersonalTTL < 0 || c.Cache.TemporalTTL < 0 {
		return fmt.Errorf("%w: TTLs must be non-negative", ErrInvalidTTL)
	}

	m := c.Memory
	if m.WeightSimilarity < 0 || m.WeightImportance < 0 || m.WeightRecency < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidWeights)
	}
	if m.WeightSimilarity+m.WeightImportance+m.WeightRecency == 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidWeights)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return ErrInvalidPostgresDBName
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidSSLMode, c.PostgresSSLMode)
	}

	return nil
}
