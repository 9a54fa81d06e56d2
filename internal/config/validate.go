package config

import (
	"fmt"
	"net/url"
)

func validate(cfg *Config) error {
	s := cfg.Session
	if s.IdleTimeout < 0 || s.InteractionIdleTimeout < 0 || s.Retention < 0 || s.SweepInterval < 0 {
		return fmt.Errorf("config: session durations must not be negative")
	}
	if s.InteractionIdleTimeout > s.IdleTimeout {
		return fmt.Errorf("config: session.interaction_idle_timeout %s exceeds session.idle_timeout %s", s.InteractionIdleTimeout, s.IdleTimeout)
	}
	if s.BlockedWindow < 1 {
		return fmt.Errorf("config: session.blocked_window must be at least 1")
	}
	switch s.BlockedPolicy {
	case "strict_run":
	case "reject_ratio":
		if s.BlockedRejectRatio <= 0 || s.BlockedRejectRatio > 1 {
			return fmt.Errorf("config: session.blocked_reject_ratio must be in (0, 1], got %g", s.BlockedRejectRatio)
		}
	default:
		return fmt.Errorf("config: unknown session.blocked_policy %q", s.BlockedPolicy)
	}
	if s.QueueDepth < 1 {
		return fmt.Errorf("config: session.queue_depth must be at least 1")
	}

	if p := cfg.Accounting.Precision; p == nil || *p < 0 || *p > 12 {
		return fmt.Errorf("config: accounting.precision must be between 0 and 12")
	}
	if cfg.Accounting.DiscrepancyTolerance < 0 {
		return fmt.Errorf("config: accounting.discrepancy_tolerance must not be negative")
	}

	for provider, models := range cfg.Pricing.Overrides {
		for model, p := range models {
			if p.Input < 0 || p.Output < 0 || p.CacheRead < 0 || p.CacheWrite < 0 {
				return fmt.Errorf("config: pricing override %s/%s has a negative price", provider, model)
			}
		}
	}

	w := cfg.Analytics.Weights
	if w.Completion < 0 || w.Cost < 0 || w.Time < 0 || w.Completion+w.Cost+w.Time == 0 {
		return fmt.Errorf("config: analytics.weights must be non-negative and not all zero")
	}
	if cfg.Analytics.TopK < 0 {
		return fmt.Errorf("config: analytics.top_k must not be negative")
	}

	if cfg.Snapshot.Interval < 0 {
		return fmt.Errorf("config: snapshot.interval must not be negative")
	}

	switch cfg.Database.Driver {
	case "":
	case "postgres", "sqlite":
		if cfg.Database.URL == "" {
			return fmt.Errorf("config: database.url required for driver %q", cfg.Database.Driver)
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", cfg.Database.Driver)
	}

	if cfg.Hermes.Enabled {
		if _, err := url.Parse(cfg.Hermes.URL); err != nil {
			return fmt.Errorf("config: invalid hermes.url: %w", err)
		}
	}

	return nil
}
