package analytics

import (
	"iter"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"devpulse/internal/session"
)

// MinTrendWidth is the narrowest window Trends accepts. Narrower widths
// yield nothing.
const MinTrendWidth = time.Minute

// WindowSummary aggregates the closed sessions that started in one window.
type WindowSummary struct {
	Window         Window          `json:"window"`
	Sessions       int             `json:"sessions"`
	Completed      int             `json:"completed"`
	Abandoned      int             `json:"abandoned"`
	Blocked        int             `json:"blocked"`
	Cost           decimal.Decimal `json:"cost"`
	Tokens         int64           `json:"tokens"`
	CompletionRate float64         `json:"completion_rate"`
	Score          float64         `json:"score"`
	Excluded       int             `json:"excluded,omitempty"`
}

// Trends buckets closed sessions into consecutive windows of the given
// width, aligned to UTC multiples of width, and yields one summary per
// window from the earliest to the latest, including empty windows in
// between. Widths below MinTrendWidth yield nothing. Every iteration
// recomputes from the sessions slice, so the sequence can be ranged over
// more than once.
func (e *Engine) Trends(sessions []session.Session, width time.Duration) iter.Seq[WindowSummary] {
	return func(yield func(WindowSummary) bool) {
		if width < MinTrendWidth {
			return
		}
		closed := make([]session.Session, 0, len(sessions))
		for _, s := range sessions {
			if s.Outcome.Terminal() {
				closed = append(closed, s)
			}
		}
		if len(closed) == 0 {
			return
		}
		slices.SortFunc(closed, func(a, b session.Session) int { return a.StartedAt.Compare(b.StartedAt) })

		start := closed[0].StartedAt.UTC().Truncate(width)
		i := 0
		for i < len(closed) {
			w := Window{Start: start, End: start.Add(width)}
			j := i
			for j < len(closed) && closed[j].StartedAt.Before(w.End) {
				j++
			}
			if !yield(e.summarize(closed[i:j], w)) {
				return
			}
			i = j
			start = w.End
		}
	}
}

func (e *Engine) summarize(sessions []session.Session, w Window) WindowSummary {
	sum := WindowSummary{Window: w}
	var costs float64
	var durations time.Duration
	for _, s := range sessions {
		if err := validate(s); err != nil {
			e.logger.Debug("session excluded from trend window", "session", s.ID, "window_start", w.Start, "error", err)
			sum.Excluded++
			continue
		}
		sum.Sessions++
		sum.Cost = sum.Cost.Add(s.Totals.Cost)
		sum.Tokens += s.Totals.Tokens.Total()
		costs += costOf(s)
		switch s.Outcome {
		case session.OutcomeCompleted:
			sum.Completed++
			durations += s.Duration()
		case session.OutcomeAbandoned:
			sum.Abandoned++
		case session.OutcomeBlocked:
			sum.Blocked++
		}
	}
	if sum.Sessions == 0 {
		return sum
	}
	sum.CompletionRate = float64(sum.Completed) / float64(sum.Sessions)
	costPerOutcome := costs
	var avg time.Duration
	if sum.Completed > 0 {
		costPerOutcome = costs / float64(sum.Completed)
		avg = durations / time.Duration(sum.Completed)
	}
	sum.Score = e.score(sum.CompletionRate, costPerOutcome, avg, sum.Completed)
	return sum
}
