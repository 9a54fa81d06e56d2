package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"devpulse/internal/telemetry"
)

// Outcome is the lifecycle state of a session.
type Outcome string

const (
	OutcomeOpen      Outcome = "open"
	OutcomeCompleted Outcome = "completed"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeBlocked   Outcome = "blocked"
)

// Terminal reports whether o is a closed state.
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeAbandoned || o == OutcomeBlocked
}

// Verdict is a tool decision reduced to accept or reject.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// verdictOf maps a raw decision attribute. Unrecognised decisions return "".
func verdictOf(decision string) Verdict {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "accept", "accepted", "allow", "allowed", "approve", "approved", "yes":
		return VerdictAccept
	case "reject", "rejected", "deny", "denied", "abort", "aborted", "cancel", "cancelled", "canceled", "no":
		return VerdictReject
	}
	return ""
}

// TokenCounts are token totals by type. Other holds tokens whose type was
// not recognised.
type TokenCounts struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cache_read"`
	CacheCreation int64 `json:"cache_creation"`
	Other         int64 `json:"other"`
}

// Total sums every bucket.
func (c TokenCounts) Total() int64 {
	return c.Input + c.Output + c.CacheRead + c.CacheCreation + c.Other
}

// DecisionKey identifies a tool decision counter.
type DecisionKey struct {
	Tool     string
	Decision string
	Source   string
}

// MarshalText lets DecisionKey be used as a JSON object key.
func (k DecisionKey) MarshalText() ([]byte, error) {
	return []byte(k.Tool + "|" + k.Decision + "|" + k.Source), nil
}

func (k *DecisionKey) UnmarshalText(b []byte) error {
	parts := strings.SplitN(string(b), "|", 3)
	if len(parts) != 3 {
		return fmt.Errorf("decision key %q: want tool|decision|source", b)
	}
	*k = DecisionKey{Tool: parts[0], Decision: parts[1], Source: parts[2]}
	return nil
}

// Totals are the cumulative counters of a session.
type Totals struct {
	Cost          decimal.Decimal            `json:"cost"`
	CostByModel   map[string]decimal.Decimal `json:"cost_by_model,omitempty"`
	Tokens        TokenCounts                `json:"tokens"`
	TokensByModel map[string]TokenCounts     `json:"tokens_by_model,omitempty"`
	LinesAdded    int64                      `json:"lines_added"`
	LinesRemoved  int64                      `json:"lines_removed"`
	LinesOther    int64                      `json:"lines_other,omitempty"`
	Decisions     map[DecisionKey]int64      `json:"decisions,omitempty"`
	Accepted      int64                      `json:"accepted_decisions"`
	Rejected      int64                      `json:"rejected_decisions"`
	Commits       int64                      `json:"commits"`
	PullRequests  int64                      `json:"pull_requests"`
	SessionStarts int64                      `json:"session_starts"`
	LogEvents     int64                      `json:"log_events"`
}

func (t Totals) clone() Totals {
	if t.CostByModel != nil {
		m := make(map[string]decimal.Decimal, len(t.CostByModel))
		for k, v := range t.CostByModel {
			m[k] = v
		}
		t.CostByModel = m
	}
	if t.TokensByModel != nil {
		m := make(map[string]TokenCounts, len(t.TokensByModel))
		for k, v := range t.TokensByModel {
			m[k] = v
		}
		t.TokensByModel = m
	}
	if t.Decisions != nil {
		m := make(map[DecisionKey]int64, len(t.Decisions))
		for k, v := range t.Decisions {
			m[k] = v
		}
		t.Decisions = m
	}
	return t
}

// Interaction close reasons.
const (
	CloseToolDecision = "tool_decision"
	CloseIdle         = "idle"
	CloseSession      = "session_closed"
)

// Interaction is one request/response exchange inside a session.
type Interaction struct {
	ID                  string           `json:"id"`
	SessionID           string           `json:"session_id"`
	Provider            string           `json:"provider"`
	Model               string           `json:"model"`
	InputTokens         int64            `json:"input_tokens"`
	OutputTokens        int64            `json:"output_tokens"`
	CacheReadTokens     int64            `json:"cache_read_tokens"`
	CacheCreationTokens int64            `json:"cache_creation_tokens"`
	Cost                decimal.Decimal  `json:"cost"`
	ComputedCost        *decimal.Decimal `json:"computed_cost,omitempty"`
	StartedAt           time.Time        `json:"started_at"`
	EndedAt             *time.Time       `json:"ended_at,omitempty"`
	LastEventAt         time.Time        `json:"last_event_at"`
	CloseReason         string           `json:"close_reason,omitempty"`
}

// TotalTokens is input + output + cache read + cache creation.
func (i Interaction) TotalTokens() int64 {
	return i.InputTokens + i.OutputTokens + i.CacheReadTokens + i.CacheCreationTokens
}

// Open reports whether the interaction has not been closed yet.
func (i Interaction) Open() bool { return i.EndedAt == nil }

func (i Interaction) clone() Interaction {
	if i.ComputedCost != nil {
		c := *i.ComputedCost
		i.ComputedCost = &c
	}
	if i.EndedAt != nil {
		e := *i.EndedAt
		i.EndedAt = &e
	}
	return i
}

// Session is the unit of analysis. Values returned by the Store are copies.
type Session struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id,omitempty"`
	OrgID           string            `json:"org_id,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	LastActivityAt  time.Time         `json:"last_activity_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	Outcome         Outcome           `json:"outcome"`
	Interactions    []Interaction     `json:"interactions"`
	Totals          Totals            `json:"totals"`
	RecentLogEvents []telemetry.Event `json:"recent_log_events"`
	DecisionHistory []Verdict         `json:"decision_history,omitempty"`
	DroppedEvents   int64             `json:"dropped_events"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	if s.EndedAt != nil {
		e := *s.EndedAt
		s.EndedAt = &e
	}
	if s.Interactions != nil {
		out := make([]Interaction, len(s.Interactions))
		for i, in := range s.Interactions {
			out[i] = in.clone()
		}
		s.Interactions = out
	}
	s.Totals = s.Totals.clone()
	if s.RecentLogEvents != nil {
		out := make([]telemetry.Event, len(s.RecentLogEvents))
		for i, ev := range s.RecentLogEvents {
			out[i] = ev.Clone()
		}
		s.RecentLogEvents = out
	}
	if s.DecisionHistory != nil {
		s.DecisionHistory = append([]Verdict(nil), s.DecisionHistory...)
	}
	return s
}

// Duration is the span between the first event and the end (or last
// activity while open).
func (s Session) Duration() time.Duration {
	end := s.LastActivityAt
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt)
}

// openInteraction returns the index of the open interaction, or -1.
func (s *Session) openInteraction() int {
	for i := len(s.Interactions) - 1; i >= 0; i-- {
		if s.Interactions[i].Open() {
			return i
		}
	}
	return -1
}
