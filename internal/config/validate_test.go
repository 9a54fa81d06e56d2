package config

import (
	"strings"
	"testing"
	"time"

	"devpulse/internal/analytics"
)

func validConfig() *Config {
	return Default()
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mod     func(*Config)
		wantErr string
	}{
		{
			name:    "negative idle timeout",
			mod:     func(c *Config) { c.Session.IdleTimeout = -time.Second },
			wantErr: "must not be negative",
		},
		{
			name:    "interaction idle exceeds session idle",
			mod:     func(c *Config) { c.Session.InteractionIdleTimeout = time.Hour },
			wantErr: "exceeds session.idle_timeout",
		},
		{
			name:    "zero blocked window",
			mod:     func(c *Config) { c.Session.BlockedWindow = 0 },
			wantErr: "blocked_window",
		},
		{
			name:    "unknown blocked policy",
			mod:     func(c *Config) { c.Session.BlockedPolicy = "magic" },
			wantErr: "unknown session.blocked_policy",
		},
		{
			name: "reject ratio out of range",
			mod: func(c *Config) {
				c.Session.BlockedPolicy = "reject_ratio"
				c.Session.BlockedRejectRatio = 1.5
			},
			wantErr: "blocked_reject_ratio",
		},
		{
			name: "precision too large",
			mod: func(c *Config) {
				p := int32(20)
				c.Accounting.Precision = &p
			},
			wantErr: "accounting.precision",
		},
		{
			name: "negative price override",
			mod: func(c *Config) {
				c.Pricing.Overrides = map[string]map[string]PriceOverride{"anthropic": {"claude-x": {Input: -1}}}
			},
			wantErr: "negative price",
		},
		{
			name:    "all zero weights",
			mod:     func(c *Config) { c.Analytics.Weights = analytics.Weights{} },
			wantErr: "analytics.weights",
		},
		{
			name:    "negative snapshot interval",
			mod:     func(c *Config) { c.Snapshot.Interval = -time.Minute },
			wantErr: "snapshot.interval",
		},
		{
			name:    "unknown database driver",
			mod:     func(c *Config) { c.Database.Driver = "mongo" },
			wantErr: "unknown database.driver",
		},
		{
			name:    "database without url",
			mod:     func(c *Config) { c.Database = Database{Driver: "postgres"} },
			wantErr: "database.url required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mod(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectRatio(t *testing.T) {
	cfg := validConfig()
	cfg.Session.BlockedPolicy = "reject_ratio"
	cfg.Session.BlockedRejectRatio = 0.6
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
