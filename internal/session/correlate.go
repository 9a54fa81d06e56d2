package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"devpulse/internal/pricing"
	"devpulse/internal/telemetry"
)

// ClosedInteraction is an interaction that closed while applying an event
// or sweeping.
type ClosedInteraction struct {
	Interaction Interaction
	Discrepancy *pricing.Discrepancy
	PricingErr  error
}

// Change reports what applying an event or an idle sweep did to a session.
type Change struct {
	SessionID    string
	Err          error
	Interactions []ClosedInteraction
	// Outcome is set when the session reached a terminal outcome; Session
	// then holds a copy of it.
	Outcome Outcome
	Session *Session
}

// Closed reports whether the session closed in this change.
func (c Change) Closed() bool { return c.Outcome.Terminal() }

// Correlator owns interaction boundaries and the session outcome state
// machine. It runs under the session lock.
type Correlator struct {
	interactionIdle time.Duration
	policy          BlockPolicy
	prices          *pricing.Table
	precision       int32
	tolerance       decimal.Decimal
	newID           func() string
}

func newCorrelator(cfg Config) *Correlator {
	policy := cfg.BlockPolicy
	if policy == nil {
		policy = StrictRun{Window: 3}
	}
	prices := cfg.Pricing
	if prices == nil {
		prices = pricing.Default()
	}
	return &Correlator{
		interactionIdle: cfg.InteractionIdle,
		policy:          policy,
		prices:          prices,
		precision:       cfg.Precision,
		tolerance:       cfg.Tolerance,
		newID:           uuid.NewString,
	}
}

// observe updates interactions and decision history for one event that has
// already been accounted into the session totals.
func (c *Correlator) observe(s *Session, ev telemetry.Event, ch *Change) {
	switch ev.Kind {
	case telemetry.KindTokenUsage, telemetry.KindCost:
		in := c.interactionFor(s, ev, ch)
		c.addToInteraction(in, ev)

	case telemetry.KindToolDecision:
		v := verdictOf(ev.Attributes.Decision)
		if v != "" {
			for n := decisionCount(ev); n > 0; n-- {
				s.DecisionHistory = append(s.DecisionHistory, v)
			}
			if over := len(s.DecisionHistory) - maxDecisionHistory; over > 0 {
				s.DecisionHistory = append([]Verdict(nil), s.DecisionHistory[over:]...)
			}
		}
		if idx := s.openInteraction(); idx >= 0 {
			c.closeInteraction(s, idx, ev.Timestamp, CloseToolDecision, ch)
		}
		if c.policy.Blocked(s.DecisionHistory) {
			c.closeSession(s, OutcomeBlocked, ev.Timestamp, ch)
		}
	}
}

// interactionFor returns the open interaction for ev, starting a new one if
// none is open or the open one has been idle longer than the threshold.
func (c *Correlator) interactionFor(s *Session, ev telemetry.Event, ch *Change) *Interaction {
	if idx := s.openInteraction(); idx >= 0 {
		in := &s.Interactions[idx]
		if c.interactionIdle <= 0 || ev.Timestamp.Sub(in.LastEventAt) <= c.interactionIdle {
			return in
		}
		c.closeInteraction(s, idx, in.LastEventAt, CloseIdle, ch)
	}

	provider := ev.Attributes.Provider
	if provider == "" {
		provider = pricing.ProviderForModel(ev.Attributes.Model)
	}
	s.Interactions = append(s.Interactions, Interaction{
		ID:          c.newID(),
		SessionID:   s.ID,
		Provider:    provider,
		Model:       ev.Attributes.Model,
		StartedAt:   ev.Timestamp,
		LastEventAt: ev.Timestamp,
	})
	return &s.Interactions[len(s.Interactions)-1]
}

func (c *Correlator) addToInteraction(in *Interaction, ev telemetry.Event) {
	if in.Model == "" && ev.Attributes.Model != "" {
		in.Model = ev.Attributes.Model
		if in.Provider == "" {
			in.Provider = pricing.ProviderForModel(in.Model)
		}
	}
	if ev.Timestamp.After(in.LastEventAt) {
		in.LastEventAt = ev.Timestamp
	}
	if ev.Timestamp.Before(in.StartedAt) {
		in.StartedAt = ev.Timestamp
	}

	if ev.Kind == telemetry.KindCost {
		in.Cost = in.Cost.Add(decimal.NewFromFloat(ev.Value))
		return
	}
	n := count(ev.Value)
	switch tokenBucketOf(ev.Attributes.Type) {
	case bucketInput:
		in.InputTokens += n
	case bucketOutput:
		in.OutputTokens += n
	case bucketCacheRead:
		in.CacheReadTokens += n
	case bucketCacheCreation:
		in.CacheCreationTokens += n
	}
}

// closeInteraction ends the interaction at idx and prices it. A pricing
// miss skips the computed cost; vendor-reported cost is kept either way.
func (c *Correlator) closeInteraction(s *Session, idx int, at time.Time, reason string, ch *Change) {
	in := &s.Interactions[idx]
	if at.Before(in.StartedAt) {
		at = in.StartedAt
	}
	in.EndedAt = &at
	in.CloseReason = reason

	closed := ClosedInteraction{}
	usage := pricing.Usage{
		InputTokens:      in.InputTokens,
		OutputTokens:     in.OutputTokens,
		CacheReadTokens:  in.CacheReadTokens,
		CacheWriteTokens: in.CacheCreationTokens,
	}
	computed, err := c.prices.Cost(in.Provider, in.Model, usage, c.precision)
	if err != nil {
		closed.PricingErr = err
	} else {
		in.ComputedCost = &computed
		if !in.Cost.IsZero() {
			if d, off := pricing.Reconcile(in.Cost, computed, c.tolerance); off {
				closed.Discrepancy = &d
			}
		}
	}
	closed.Interaction = in.clone()
	ch.Interactions = append(ch.Interactions, closed)
}

func (c *Correlator) closeSession(s *Session, outcome Outcome, at time.Time, ch *Change) {
	if s.Outcome.Terminal() {
		return
	}
	if idx := s.openInteraction(); idx >= 0 {
		c.closeInteraction(s, idx, s.Interactions[idx].LastEventAt, CloseSession, ch)
	}
	if at.Before(s.StartedAt) {
		at = s.StartedAt
	}
	s.EndedAt = &at
	s.Outcome = outcome
	ch.Outcome = outcome
}

// evaluate applies idle timeouts at now. The open interaction is closed
// before the session outcome is decided so the outcome sees its data.
func (c *Correlator) evaluate(s *Session, now time.Time, sessionIdle time.Duration, ch *Change) {
	if s.Outcome.Terminal() {
		return
	}
	if idx := s.openInteraction(); idx >= 0 && c.interactionIdle > 0 {
		in := s.Interactions[idx]
		if now.Sub(in.LastEventAt) > c.interactionIdle {
			c.closeInteraction(s, idx, in.LastEventAt, CloseIdle, ch)
		}
	}
	if sessionIdle <= 0 || now.Sub(s.LastActivityAt) <= sessionIdle {
		return
	}
	outcome := OutcomeAbandoned
	if s.Totals.Accepted > 0 || !s.Totals.Cost.IsZero() {
		outcome = OutcomeCompleted
	}
	c.closeSession(s, outcome, s.LastActivityAt, ch)
}
