package config

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"devpulse/internal/analytics"
	"devpulse/internal/hermes"
	"devpulse/internal/pricing"
	"devpulse/internal/session"
)

type Config struct {
	Listen     string        `yaml:"listen"`
	LogLevel   string        `yaml:"log_level"`
	OTLP       OTLP          `yaml:"otlp"`
	Session    Session       `yaml:"session"`
	Accounting Accounting    `yaml:"accounting"`
	Pricing    Pricing       `yaml:"pricing"`
	Analytics  Analytics     `yaml:"analytics"`
	Snapshot   Snapshot      `yaml:"snapshot"`
	Database   Database      `yaml:"database"`
	Hermes     hermes.Config `yaml:"hermes"`
}

type OTLP struct {
	Listen          string `yaml:"listen"`
	MaxRecvMsgBytes int    `yaml:"max_recv_msg_bytes"`
}

type Session struct {
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	InteractionIdleTimeout time.Duration `yaml:"interaction_idle_timeout"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	BlockedWindow          int           `yaml:"blocked_window"`
	BlockedPolicy          string        `yaml:"blocked_policy"`
	BlockedRejectRatio     float64       `yaml:"blocked_reject_ratio"`
	Retention              time.Duration `yaml:"retention"`
	MaxClosedSessions      int           `yaml:"max_closed_sessions"`
	QueueDepth             int           `yaml:"queue_depth"`
	DropWarningsPerSecond  float64       `yaml:"drop_warnings_per_second"`
}

type Accounting struct {
	// Precision nil means the default; 0 rounds to whole units.
	Precision            *int32  `yaml:"precision"`
	DiscrepancyTolerance float64 `yaml:"discrepancy_tolerance"`
}

// Pricing overrides are USD per million tokens, keyed by provider then
// model (or model prefix).
type Pricing struct {
	Overrides map[string]map[string]PriceOverride `yaml:"overrides"`
}

type PriceOverride struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

type Analytics struct {
	Weights           analytics.Weights `yaml:"weights"`
	ReferenceCost     float64           `yaml:"reference_cost"`
	ReferenceDuration time.Duration     `yaml:"reference_duration"`
	TopK              int               `yaml:"top_k"`
	RejectionRate     float64           `yaml:"rejection_rate"`
	TrendWindow       time.Duration     `yaml:"trend_window"`
}

type Snapshot struct {
	Interval time.Duration `yaml:"interval"`
}

type Database struct {
	// Driver is "postgres", "sqlite" or empty for no persistence.
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnv lets secrets come from the environment instead of the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DEVPULSE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DEVPULSE_NATS_TOKEN"); v != "" {
		cfg.Hermes.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OTLP.Listen == "" {
		cfg.OTLP.Listen = ":4317"
	}
	if cfg.OTLP.MaxRecvMsgBytes == 0 {
		cfg.OTLP.MaxRecvMsgBytes = 16 << 20
	}

	s := &cfg.Session
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 30 * time.Minute
	}
	if s.InteractionIdleTimeout == 0 {
		s.InteractionIdleTimeout = 5 * time.Minute
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = 30 * time.Second
	}
	if s.BlockedWindow == 0 {
		s.BlockedWindow = 3
	}
	if s.BlockedPolicy == "" {
		s.BlockedPolicy = "strict_run"
	}
	if s.BlockedRejectRatio == 0 {
		s.BlockedRejectRatio = 0.8
	}
	if s.Retention == 0 {
		s.Retention = 24 * time.Hour
	}
	if s.MaxClosedSessions == 0 {
		s.MaxClosedSessions = 10000
	}
	if s.QueueDepth == 0 {
		s.QueueDepth = 256
	}
	if s.DropWarningsPerSecond == 0 {
		s.DropWarningsPerSecond = 1
	}

	if cfg.Accounting.Precision == nil {
		p := pricing.DefaultPrecision
		cfg.Accounting.Precision = &p
	}
	if cfg.Accounting.DiscrepancyTolerance == 0 {
		cfg.Accounting.DiscrepancyTolerance = 0.0001
	}

	def := analytics.DefaultConfig()
	a := &cfg.Analytics
	if a.Weights == (analytics.Weights{}) {
		a.Weights = def.Weights
	}
	if a.ReferenceCost == 0 {
		a.ReferenceCost = def.ReferenceCost
	}
	if a.ReferenceDuration == 0 {
		a.ReferenceDuration = def.ReferenceDuration
	}
	if a.TopK == 0 {
		a.TopK = def.TopK
	}
	if a.RejectionRate == 0 {
		a.RejectionRate = def.RejectionRate
	}
	if a.TrendWindow == 0 {
		a.TrendWindow = 24 * time.Hour
	}

	if cfg.Snapshot.Interval == 0 {
		cfg.Snapshot.Interval = time.Minute
	}

	h := &cfg.Hermes
	hd := hermes.DefaultConfig()
	if h.URL == "" {
		h.URL = hd.URL
	}
	if h.Source == "" {
		h.Source = hd.Source
	}
	if h.ConnectTimeout == 0 {
		h.ConnectTimeout = hd.ConnectTimeout
	}
	if h.ReconnectWait == 0 {
		h.ReconnectWait = hd.ReconnectWait
	}
	if h.MaxReconnects == 0 {
		h.MaxReconnects = hd.MaxReconnects
	}
}

// SessionConfig builds the session store configuration. The price table is
// the built-in list with the configured overrides on top.
func (c *Config) SessionConfig() (session.Config, error) {
	policy, err := session.NewBlockPolicy(c.Session.BlockedPolicy, c.Session.BlockedWindow, c.Session.BlockedRejectRatio)
	if err != nil {
		return session.Config{}, err
	}
	out := session.DefaultConfig()
	out.IdleTimeout = c.Session.IdleTimeout
	out.InteractionIdle = c.Session.InteractionIdleTimeout
	out.BlockPolicy = policy
	out.Retention = c.Session.Retention
	out.MaxClosed = c.Session.MaxClosedSessions
	out.QueueDepth = c.Session.QueueDepth
	if c.Accounting.Precision != nil {
		out.Precision = *c.Accounting.Precision
	}
	out.Tolerance = decimal.NewFromFloat(c.Accounting.DiscrepancyTolerance)
	out.Pricing = c.PriceTable()
	return out, nil
}

// PriceTable returns the built-in prices with overrides applied.
func (c *Config) PriceTable() *pricing.Table {
	table := pricing.Default()
	if len(c.Pricing.Overrides) == 0 {
		return table
	}
	overrides := make(map[string]map[string]pricing.Prices, len(c.Pricing.Overrides))
	for provider, models := range c.Pricing.Overrides {
		overrides[provider] = make(map[string]pricing.Prices, len(models))
		for model, p := range models {
			overrides[provider][model] = pricing.PerMillion(p.Input, p.Output, p.CacheRead, p.CacheWrite)
		}
	}
	return table.With(overrides)
}

// AnalyticsConfig builds the analytics engine configuration.
func (c *Config) AnalyticsConfig() analytics.Config {
	out := analytics.DefaultConfig()
	out.Weights = c.Analytics.Weights
	out.ReferenceCost = c.Analytics.ReferenceCost
	out.ReferenceDuration = c.Analytics.ReferenceDuration
	out.TopK = c.Analytics.TopK
	out.RejectionRate = c.Analytics.RejectionRate
	return out
}

// RestartRequired lists the settings that differ between c and next and
// only take effect after a restart.
func (c *Config) RestartRequired(next *Config) []string {
	var out []string
	if c.Listen != next.Listen {
		out = append(out, "listen")
	}
	if c.OTLP != next.OTLP {
		out = append(out, "otlp")
	}
	if c.Database != next.Database {
		out = append(out, "database")
	}
	if c.Hermes != next.Hermes {
		out = append(out, "hermes")
	}
	if c.Snapshot != next.Snapshot {
		out = append(out, "snapshot")
	}
	if c.Session.SweepInterval != next.Session.SweepInterval {
		out = append(out, "session.sweep_interval")
	}
	return out
}
