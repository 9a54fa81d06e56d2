// Package analytics derives productivity insight from session snapshots.
// It only reads copies handed to it and never touches the live store.
package analytics

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"devpulse/internal/session"
)

// Recommendation categories.
const (
	CategoryHighCostLowValue  = "high_cost_low_value"
	CategoryInefficientLength = "inefficient_length_pattern"
	CategoryBlockedSessions   = "blocked_sessions"
	CategoryToolRejection     = "tool_rejection"
)

// Weights balance the productivity score components.
type Weights struct {
	Completion float64 `json:"completion"`
	Cost       float64 `json:"cost"`
	Time       float64 `json:"time"`
}

// Config holds the tunable scoring knobs.
type Config struct {
	Weights Weights
	// ReferenceCost is the cost per completed session that scores 0.5 on
	// the cost component.
	ReferenceCost float64
	// ReferenceDuration is the time to completion that scores 0.5 on the
	// time component.
	ReferenceDuration time.Duration
	TopK              int
	// RejectionRate above which a tool_rejection recommendation is made.
	RejectionRate float64
	MinDecisions  int64
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights:           Weights{Completion: 0.5, Cost: 0.3, Time: 0.2},
		ReferenceCost:     1.0,
		ReferenceDuration: 30 * time.Minute,
		TopK:              5,
		RejectionRate:     0.5,
		MinDecisions:      5,
	}
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in the window. A zero End is open-ended.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || t.Before(w.End)
}

// Recommendation is one suggestion. Category is a stable tag.
type Recommendation struct {
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	SessionIDs []string `json:"session_ids,omitempty"`
	Bucket     string   `json:"bucket,omitempty"`
}

// ErrInvalidSession is matched by ComputationErrors raised for sessions
// whose data cannot be scored.
var ErrInvalidSession = errors.New("invalid session data")

// ComputationError is scoped to one session or window and excluded from
// aggregates.
type ComputationError struct {
	SessionID string  `json:"session_id,omitempty"`
	Window    *Window `json:"window,omitempty"`
	Err       error   `json:"-"`
	Message   string  `json:"message"`
}

func (e *ComputationError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("analytics: session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("analytics: %v", e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

func newComputationError(sessionID string, err error) *ComputationError {
	return &ComputationError{SessionID: sessionID, Err: err, Message: err.Error()}
}

// Insight is a productivity report for one session or a window.
type Insight struct {
	SessionID         string              `json:"session_id,omitempty"`
	Window            *Window             `json:"window,omitempty"`
	Score             float64             `json:"score"`
	CompletionRate    float64             `json:"completion_rate"`
	CostPerOutcome    float64             `json:"cost_per_outcome"`
	AvgTimeToComplete time.Duration       `json:"avg_time_to_complete"`
	Sessions          int                 `json:"sessions"`
	OpenSessions      int                 `json:"open_sessions"`
	Outcomes          map[string]int      `json:"outcomes,omitempty"`
	Patterns          []LengthPattern     `json:"patterns,omitempty"`
	CostlySessions    []CostlySession     `json:"costly_sessions,omitempty"`
	Recommendations   []Recommendation    `json:"recommendations"`
	Errors            []*ComputationError `json:"errors,omitempty"`
}

// Engine computes insights. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger.With("component", "analytics")}
}

// validate rejects sessions whose data would poison aggregates.
func validate(s session.Session) error {
	switch {
	case s.Outcome.Terminal() && s.EndedAt == nil:
		return fmt.Errorf("%w: closed session has no end time", ErrInvalidSession)
	case s.Duration() < 0:
		return fmt.Errorf("%w: negative duration %s", ErrInvalidSession, s.Duration())
	case s.Totals.Cost.IsNegative():
		return fmt.Errorf("%w: negative cost %s", ErrInvalidSession, s.Totals.Cost)
	}
	return nil
}

func costOf(s session.Session) float64 {
	f, _ := s.Totals.Cost.Float64()
	return f
}

// score combines the three components with the configured weights.
func (e *Engine) score(completionRate, costPerOutcome float64, timeToComplete time.Duration, completed int) float64 {
	w := e.cfg.Weights
	sum := w.Completion + w.Cost + w.Time
	if sum <= 0 {
		return 0
	}
	var costScore, timeScore float64
	if completed > 0 {
		costScore = ratioScore(e.cfg.ReferenceCost, costPerOutcome)
		timeScore = ratioScore(e.cfg.ReferenceDuration.Seconds(), timeToComplete.Seconds())
	}
	s := (w.Completion*completionRate + w.Cost*costScore + w.Time*timeScore) / sum
	return math.Max(0, math.Min(1, s))
}

// ratioScore maps a non-negative amount to (0,1]: 1 at zero, 0.5 at ref.
func ratioScore(ref, v float64) float64 {
	if ref <= 0 {
		if v <= 0 {
			return 1
		}
		return 0
	}
	return ref / (ref + math.Max(0, v))
}

// ScoreSession scores a single session.
func (e *Engine) ScoreSession(s session.Session) (Insight, error) {
	if err := validate(s); err != nil {
		return Insight{SessionID: s.ID}, newComputationError(s.ID, err)
	}
	in := Insight{
		SessionID:      s.ID,
		Sessions:       1,
		CostPerOutcome: costOf(s),
		Outcomes:       map[string]int{string(s.Outcome): 1},
	}
	completed := 0
	if s.Outcome == session.OutcomeCompleted {
		completed = 1
		in.CompletionRate = 1
		in.AvgTimeToComplete = s.Duration()
	}
	if s.Outcome == session.OutcomeOpen {
		in.OpenSessions = 1
	}
	in.Score = e.score(in.CompletionRate, in.CostPerOutcome, in.AvgTimeToComplete, completed)
	in.Recommendations = e.recommend([]session.Session{s}, nil, nil)
	return in, nil
}

// Report builds the insight for sessions that started inside w. Sessions
// that fail validation are listed in Errors and left out of every figure.
func (e *Engine) Report(sessions []session.Session, w Window) Insight {
	in := Insight{Window: &w, Outcomes: make(map[string]int)}

	var valid []session.Session
	for _, s := range sessions {
		if !w.Contains(s.StartedAt) {
			continue
		}
		if err := validate(s); err != nil {
			cerr := newComputationError(s.ID, err)
			e.logger.Warn("session excluded from report", "session", s.ID, "error", err)
			in.Errors = append(in.Errors, cerr)
			continue
		}
		valid = append(valid, s)
	}

	closed := lo.Filter(valid, func(s session.Session, _ int) bool { return s.Outcome.Terminal() })
	completed := lo.Filter(closed, func(s session.Session, _ int) bool { return s.Outcome == session.OutcomeCompleted })

	in.Sessions = len(valid)
	in.OpenSessions = len(valid) - len(closed)
	for _, s := range valid {
		in.Outcomes[string(s.Outcome)]++
	}
	if len(closed) > 0 {
		in.CompletionRate = float64(len(completed)) / float64(len(closed))
	}

	totalCost := lo.SumBy(closed, costOf)
	if len(completed) > 0 {
		in.CostPerOutcome = totalCost / float64(len(completed))
		total := lo.SumBy(completed, func(s session.Session) int64 { return int64(s.Duration()) })
		in.AvgTimeToComplete = time.Duration(total / int64(len(completed)))
	} else {
		in.CostPerOutcome = totalCost
	}
	in.Score = e.score(in.CompletionRate, in.CostPerOutcome, in.AvgTimeToComplete, len(completed))

	in.Patterns = Patterns(closed)
	in.CostlySessions = e.CostInefficiency(closed)
	in.Recommendations = e.recommend(closed, in.Patterns, in.CostlySessions)
	return in
}

// CostlySession is an abandoned or blocked session ranked by cost.
type CostlySession struct {
	SessionID    string          `json:"session_id"`
	Outcome      session.Outcome `json:"outcome"`
	Cost         decimal.Decimal `json:"cost"`
	Interactions int             `json:"interactions"`
}

// CostInefficiency ranks abandoned and blocked sessions by cost descending
// and returns the top K.
func (e *Engine) CostInefficiency(sessions []session.Session) []CostlySession {
	wasted := lo.Filter(sessions, func(s session.Session, _ int) bool {
		return (s.Outcome == session.OutcomeAbandoned || s.Outcome == session.OutcomeBlocked) && s.Totals.Cost.IsPositive()
	})
	sort.SliceStable(wasted, func(i, j int) bool {
		if c := wasted[i].Totals.Cost.Cmp(wasted[j].Totals.Cost); c != 0 {
			return c > 0
		}
		return wasted[i].ID < wasted[j].ID
	})
	if k := e.cfg.TopK; k > 0 && len(wasted) > k {
		wasted = wasted[:k]
	}
	return lo.Map(wasted, func(s session.Session, _ int) CostlySession {
		return CostlySession{
			SessionID:    s.ID,
			Outcome:      s.Outcome,
			Cost:         s.Totals.Cost,
			Interactions: len(s.Interactions),
		}
	})
}

func (e *Engine) recommend(sessions []session.Session, patterns []LengthPattern, costly []CostlySession) []Recommendation {
	recs := []Recommendation{}

	if len(costly) > 0 {
		var total decimal.Decimal
		for _, c := range costly {
			total = total.Add(c.Cost)
		}
		recs = append(recs, Recommendation{
			Category: CategoryHighCostLowValue,
			Message: fmt.Sprintf("%d sessions cost %s USD without a completed outcome; review their prompts before retrying",
				len(costly), total.StringFixed(4)),
			SessionIDs: lo.Map(costly, func(c CostlySession, _ int) string { return c.SessionID }),
		})
	}

	for _, p := range patterns {
		if !p.Inefficient {
			continue
		}
		recs = append(recs, Recommendation{
			Category: CategoryInefficientLength,
			Message: fmt.Sprintf("sessions with %s interactions complete %.0f%% of the time, below the %.0f%% average",
				p.Bucket, p.CompletionRate*100, p.Mean*100),
			Bucket: p.Bucket,
		})
	}

	blocked := lo.Filter(sessions, func(s session.Session, _ int) bool { return s.Outcome == session.OutcomeBlocked })
	if len(blocked) > 0 {
		recs = append(recs, Recommendation{
			Category:   CategoryBlockedSessions,
			Message:    fmt.Sprintf("%d sessions ended after consecutive rejected tool decisions", len(blocked)),
			SessionIDs: lo.Map(blocked, func(s session.Session, _ int) string { return s.ID }),
		})
	}

	accepted := lo.SumBy(sessions, func(s session.Session) int64 { return s.Totals.Accepted })
	rejected := lo.SumBy(sessions, func(s session.Session) int64 { return s.Totals.Rejected })
	if decided := accepted + rejected; decided >= e.cfg.MinDecisions && decided > 0 {
		if rate := float64(rejected) / float64(decided); rate > e.cfg.RejectionRate {
			recs = append(recs, Recommendation{
				Category: CategoryToolRejection,
				Message:  fmt.Sprintf("%.0f%% of %d tool decisions were rejected; proposed edits often miss intent", rate*100, decided),
			})
		}
	}
	return recs
}
