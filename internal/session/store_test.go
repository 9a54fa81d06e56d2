package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpulse/internal/pricing"
	"devpulse/internal/telemetry"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(mod func(*Config)) *Store {
	cfg := DefaultConfig()
	if mod != nil {
		mod(&cfg)
	}
	return NewStore(cfg, testLogger())
}

func tokens(sid, typ string, n float64, at time.Time) telemetry.Event {
	return telemetry.Event{
		Kind:       telemetry.KindTokenUsage,
		Name:       telemetry.MetricTokenUsage,
		SessionID:  sid,
		Timestamp:  at,
		Value:      n,
		Attributes: telemetry.Attributes{Model: "claude-sonnet-4-5", Type: typ},
	}
}

func cost(sid string, usd float64, at time.Time) telemetry.Event {
	return telemetry.Event{
		Kind:       telemetry.KindCost,
		Name:       telemetry.MetricCost,
		SessionID:  sid,
		Timestamp:  at,
		Value:      usd,
		Attributes: telemetry.Attributes{Model: "claude-sonnet-4-5"},
	}
}

func decision(sid, d string, at time.Time) telemetry.Event {
	return telemetry.Event{
		Kind:       telemetry.KindToolDecision,
		Name:       "tool_decision",
		SessionID:  sid,
		Timestamp:  at,
		Value:      1,
		Attributes: telemetry.Attributes{ToolName: "Edit", Decision: d, Source: "config"},
	}
}

func logEvent(sid, name string, at time.Time) telemetry.Event {
	return telemetry.Event{
		Kind:      telemetry.KindLogEvent,
		Name:      name,
		SessionID: sid,
		Timestamp: at,
		Value:     1,
	}
}

func applyAll(t *testing.T, st *Store, events ...telemetry.Event) []Change {
	t.Helper()
	var out []Change
	for _, ev := range events {
		res := st.Submit(ev)
		require.False(t, res.Dropped)
		out = append(out, res.Changes...)
	}
	return out
}

func TestDevJourneyCompletes(t *testing.T) {
	st := testStore(nil)
	sid := "dev_journey_001"

	rounds := [][2]float64{{650, 200}, {1100, 500}, {600, 250}}
	at := t0
	for _, r := range rounds {
		applyAll(t, st,
			tokens(sid, "input", r[0], at),
			tokens(sid, "output", r[1], at.Add(time.Second)),
			decision(sid, "accept", at.Add(10*time.Second)),
		)
		at = at.Add(time.Minute)
	}

	s, ok := st.Get(sid)
	require.True(t, ok)
	assert.Equal(t, OutcomeOpen, s.Outcome)
	require.Len(t, s.Interactions, 3)
	for _, in := range s.Interactions {
		assert.False(t, in.Open())
		assert.Equal(t, CloseToolDecision, in.CloseReason)
	}
	assert.Equal(t, int64(850), s.Interactions[0].TotalTokens())

	changes := st.CloseIfIdle(s.LastActivityAt.Add(31*time.Minute), 30*time.Minute)
	require.Len(t, changes, 1)
	assert.Equal(t, OutcomeCompleted, changes[0].Outcome)
	require.NotNil(t, changes[0].Session)

	s, _ = st.Get(sid)
	assert.Equal(t, OutcomeCompleted, s.Outcome)
	assert.Equal(t, int64(2350), s.Totals.Tokens.Input)
	assert.Equal(t, int64(950), s.Totals.Tokens.Output)
	assert.Equal(t, int64(3), s.Totals.Accepted)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, s.LastActivityAt, *s.EndedAt)
}

func TestIdleWithoutAcceptOrCostIsAbandoned(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st,
		tokens("s1", "input", 100, t0),
		decision("s1", "reject", t0.Add(time.Second)),
	)

	changes := st.CloseIfIdle(t0.Add(time.Hour), 30*time.Minute)
	require.Len(t, changes, 1)
	assert.Equal(t, OutcomeAbandoned, changes[0].Outcome)
}

func TestIdleWithCostOnlyIsCompleted(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st, cost("s1", 0.02, t0))

	changes := st.CloseIfIdle(t0.Add(time.Hour), 30*time.Minute)
	require.Len(t, changes, 1)
	assert.Equal(t, OutcomeCompleted, changes[0].Outcome)
}

func TestNotIdleYetStaysOpen(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st, tokens("s1", "input", 1, t0))

	assert.Empty(t, st.CloseIfIdle(t0.Add(time.Minute), 30*time.Minute))
	s, _ := st.Get("s1")
	assert.Equal(t, OutcomeOpen, s.Outcome)
}

func TestThreeRejectionsBlockImmediately(t *testing.T) {
	st := testStore(nil)
	changes := applyAll(t, st,
		decision("s1", "accept", t0),
		decision("s1", "reject", t0.Add(time.Second)),
		decision("s1", "reject", t0.Add(2*time.Second)),
	)
	for _, ch := range changes {
		assert.False(t, ch.Closed())
	}

	changes = applyAll(t, st, decision("s1", "abort", t0.Add(3*time.Second)))
	require.Len(t, changes, 1)
	assert.Equal(t, OutcomeBlocked, changes[0].Outcome)

	s, _ := st.Get("s1")
	assert.Equal(t, OutcomeBlocked, s.Outcome)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, t0.Add(3*time.Second), *s.EndedAt)

	// Terminal: the idle sweep never revisits it.
	assert.Empty(t, st.CloseIfIdle(t0.Add(time.Hour), 30*time.Minute))
}

func TestAlternatingDecisionsNotBlockedByStrictRun(t *testing.T) {
	st := testStore(nil)
	verdicts := []string{"reject", "accept", "reject", "accept", "reject", "reject"}
	for i, d := range verdicts {
		applyAll(t, st, decision("s1", d, t0.Add(time.Duration(i)*time.Second)))
	}
	s, _ := st.Get("s1")
	assert.Equal(t, OutcomeOpen, s.Outcome)
}

func TestRejectRatioPolicyBlocksAlternating(t *testing.T) {
	policy, err := NewBlockPolicy("reject_ratio", 4, 0.75)
	require.NoError(t, err)
	st := testStore(func(c *Config) { c.BlockPolicy = policy })

	verdicts := []string{"reject", "accept", "reject", "reject"}
	var last []Change
	for i, d := range verdicts {
		last = applyAll(t, st, decision("s1", d, t0.Add(time.Duration(i)*time.Second)))
	}
	require.Len(t, last, 1)
	assert.Equal(t, OutcomeBlocked, last[0].Outcome)
}

func TestNewBlockPolicyErrors(t *testing.T) {
	_, err := NewBlockPolicy("reject_ratio", 3, 0)
	assert.Error(t, err)
	_, err = NewBlockPolicy("vibes", 3, 0.5)
	assert.Error(t, err)

	p, err := NewBlockPolicy("", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "strict_run(3)", p.Name())
}

func TestLateEventAfterCloseIsRejected(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st, cost("s1", 0.01, t0))
	st.CloseIfIdle(t0.Add(time.Hour), 30*time.Minute)

	changes := applyAll(t, st, tokens("s1", "input", 500, t0.Add(2*time.Hour)))
	require.Len(t, changes, 1)
	assert.ErrorIs(t, changes[0].Err, ErrSessionClosed)

	s, _ := st.Get("s1")
	assert.Zero(t, s.Totals.Tokens.Input)
}

func TestUnknownMetricIsLoggedNotCounted(t *testing.T) {
	st := testStore(nil)
	ev := telemetry.Event{
		Kind:      telemetry.KindUnknown,
		Name:      "claude_code.session.count",
		SessionID: "s1",
		Timestamp: t0,
		Value:     1,
	}
	changes := applyAll(t, st, ev)
	require.Len(t, changes, 1)
	assert.NoError(t, changes[0].Err)

	s, _ := st.Get("s1")
	require.Len(t, s.RecentLogEvents, 1)
	assert.Equal(t, "claude_code.session.count", s.RecentLogEvents[0].Name)
	assert.Zero(t, s.Totals.Tokens.Total())
	assert.True(t, s.Totals.Cost.IsZero())
	assert.Empty(t, s.Interactions)
	assert.Equal(t, int64(1), s.Totals.LogEvents)
}

func TestUnknownTokenTypeCountedAsOther(t *testing.T) {
	st := testStore(nil)
	changes := applyAll(t, st, tokens("s1", "reasoning", 42, t0))
	require.Len(t, changes, 1)
	assert.ErrorIs(t, changes[0].Err, ErrUnknownTokenType)

	var aerr *AccountingError
	require.True(t, errors.As(changes[0].Err, &aerr))
	assert.Equal(t, "reasoning", aerr.Type)

	s, _ := st.Get("s1")
	assert.Equal(t, int64(42), s.Totals.Tokens.Other)
	assert.Equal(t, int64(42), s.Totals.TokensByModel["claude-sonnet-4-5"].Other)
}

func TestRecentLogEventsKeepsLastFifty(t *testing.T) {
	st := testStore(nil)
	for i := 1; i <= 51; i++ {
		applyAll(t, st, logEvent("s1", fmt.Sprintf("ev-%d", i), t0.Add(time.Duration(i)*time.Second)))
	}
	s, _ := st.Get("s1")
	require.Len(t, s.RecentLogEvents, LogCapacity)
	assert.Equal(t, "ev-2", s.RecentLogEvents[0].Name)
	assert.Equal(t, "ev-51", s.RecentLogEvents[49].Name)
	for i, ev := range s.RecentLogEvents {
		assert.Equal(t, fmt.Sprintf("ev-%d", i+2), ev.Name)
	}
}

func TestIncrementalTotalsMatchFold(t *testing.T) {
	st := testStore(nil)
	var history []telemetry.Event
	at := t0
	for i := 0; i < 40; i++ {
		at = at.Add(7 * time.Second)
		var ev telemetry.Event
		switch i % 5 {
		case 0:
			ev = tokens("s1", "input", float64(100+i), at)
		case 1:
			ev = tokens("s1", "cacheRead", float64(1000*i), at)
		case 2:
			ev = cost("s1", 0.000123*float64(i), at)
		case 3:
			ev = decision("s1", "accept", at)
		case 4:
			ev = telemetry.Event{
				Kind: telemetry.KindLinesOfCode, SessionID: "s1", Timestamp: at, Value: float64(i),
				Attributes: telemetry.Attributes{Type: "added"},
			}
		}
		history = append(history, ev)
		applyAll(t, st, ev)
	}

	s, _ := st.Get("s1")
	folded, errs := Fold(history)
	require.Empty(t, errs)

	assert.True(t, s.Totals.Cost.Equal(folded.Cost), "cost %s != %s", s.Totals.Cost, folded.Cost)
	assert.Equal(t, folded.Tokens, s.Totals.Tokens)
	assert.Equal(t, folded.TokensByModel, s.Totals.TokensByModel)
	assert.Equal(t, folded.Decisions, s.Totals.Decisions)
	assert.Equal(t, folded.LinesAdded, s.Totals.LinesAdded)
	assert.Equal(t, folded.Accepted, s.Totals.Accepted)

	// Interaction token sums agree with the totals too.
	var in, cr int64
	for _, i := range s.Interactions {
		in += i.InputTokens
		cr += i.CacheReadTokens
	}
	assert.Equal(t, s.Totals.Tokens.Input, in)
	assert.Equal(t, s.Totals.Tokens.CacheRead, cr)
}

func TestConcurrentEventsSameSession(t *testing.T) {
	st := testStore(func(c *Config) { c.QueueDepth = 4096 })

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				st.Submit(tokens("shared", "input", 1, t0.Add(time.Duration(i)*time.Millisecond)))
			}
		}(w)
	}
	wg.Wait()
	st.DrainQueues()

	s, _ := st.Get("shared")
	assert.Equal(t, int64(workers*perWorker), s.Totals.Tokens.Input)
	assert.Zero(t, s.DroppedEvents)
	assert.Zero(t, st.Pending())
}

func TestConcurrentDistinctSessions(t *testing.T) {
	st := testStore(nil)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sid := fmt.Sprintf("s-%d", w)
			for i := 0; i < 100; i++ {
				st.Submit(tokens(sid, "output", 2, t0.Add(time.Duration(i)*time.Second)))
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 16, st.Len())
	for _, s := range st.Snapshot() {
		assert.Equal(t, int64(200), s.Totals.Tokens.Output, s.ID)
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	st := testStore(func(c *Config) { c.QueueDepth = 3 })
	st.GetOrCreate("s1", t0)

	// Hold the drain role so Submit only enqueues.
	e := st.lookup("s1")
	e.qmu.Lock()
	e.draining = true
	e.qmu.Unlock()

	var dropped int
	for i := 1; i <= 5; i++ {
		if st.Submit(tokens("s1", "input", float64(i), t0.Add(time.Duration(i)*time.Second))).Dropped {
			dropped++
		}
	}
	assert.Equal(t, 2, dropped)

	e.qmu.Lock()
	e.draining = false
	e.qmu.Unlock()
	st.DrainQueues()

	s, _ := st.Get("s1")
	assert.Equal(t, int64(3+4+5), s.Totals.Tokens.Input)
	assert.Equal(t, int64(2), s.DroppedEvents)
}

func TestInteractionIdleStartsNewInteraction(t *testing.T) {
	st := testStore(func(c *Config) { c.InteractionIdle = 5 * time.Minute })
	changes := applyAll(t, st,
		tokens("s1", "input", 10, t0),
		tokens("s1", "output", 5, t0.Add(time.Minute)),
		tokens("s1", "input", 20, t0.Add(10*time.Minute)),
	)

	var closed []ClosedInteraction
	for _, ch := range changes {
		closed = append(closed, ch.Interactions...)
	}
	require.Len(t, closed, 1)
	assert.Equal(t, CloseIdle, closed[0].Interaction.CloseReason)
	assert.Equal(t, t0.Add(time.Minute), *closed[0].Interaction.EndedAt)

	s, _ := st.Get("s1")
	require.Len(t, s.Interactions, 2)
	assert.Equal(t, int64(15), s.Interactions[0].TotalTokens())
	assert.True(t, s.Interactions[1].Open())
}

func TestSweepClosesInteractionBeforeSession(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st,
		tokens("s1", "input", 1000, t0),
		cost("s1", 0.003, t0.Add(time.Second)),
	)

	changes := st.CloseIfIdle(t0.Add(2*time.Hour), 30*time.Minute)
	require.Len(t, changes, 1)
	ch := changes[0]
	require.Len(t, ch.Interactions, 1)
	assert.Equal(t, CloseIdle, ch.Interactions[0].Interaction.CloseReason)
	assert.Equal(t, OutcomeCompleted, ch.Outcome)
	require.NotNil(t, ch.Session)
	assert.False(t, ch.Session.Interactions[0].Open())
}

func TestInteractionIdleSweepLeavesSessionOpen(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st, tokens("s1", "input", 1, t0))

	changes := st.CloseIfIdle(t0.Add(10*time.Minute), 30*time.Minute)
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Closed())
	require.Len(t, changes[0].Interactions, 1)
}

func TestClosedInteractionIsPriced(t *testing.T) {
	st := testStore(nil)
	changes := applyAll(t, st,
		tokens("s1", "input", 1000, t0),
		tokens("s1", "output", 500, t0),
		cost("s1", 0.05, t0),
		decision("s1", "accept", t0.Add(time.Second)),
	)
	var closed []ClosedInteraction
	for _, ch := range changes {
		closed = append(closed, ch.Interactions...)
	}
	require.Len(t, closed, 1)
	in := closed[0].Interaction
	require.NotNil(t, in.ComputedCost)
	assert.True(t, in.ComputedCost.Equal(decimal.RequireFromString("0.0105")), "computed %s", in.ComputedCost)
	assert.Equal(t, "anthropic", in.Provider)
	require.NotNil(t, closed[0].Discrepancy)
	assert.True(t, closed[0].Discrepancy.Reported.Equal(decimal.RequireFromString("0.05")))
}

func TestUnknownModelKeepsReportedCost(t *testing.T) {
	st := testStore(nil)
	ev := cost("s1", 0.2, t0)
	ev.Attributes.Model = "mystery-model"
	changes := applyAll(t, st, ev, decision("s1", "accept", t0.Add(time.Second)))

	var closed []ClosedInteraction
	for _, ch := range changes {
		closed = append(closed, ch.Interactions...)
	}
	require.Len(t, closed, 1)
	assert.ErrorIs(t, closed[0].PricingErr, pricing.ErrUnknownModel)
	assert.Nil(t, closed[0].Interaction.ComputedCost)
	assert.True(t, closed[0].Interaction.Cost.Equal(decimal.RequireFromString("0.2")))
}

func TestLastActivityNeverMovesBackwards(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st,
		tokens("s1", "input", 1, t0.Add(time.Minute)),
		tokens("s1", "input", 1, t0),
	)
	s, _ := st.Get("s1")
	assert.Equal(t, t0.Add(time.Minute), s.LastActivityAt)
	assert.Equal(t, t0, s.StartedAt)
}

func TestSnapshotReturnsCopies(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st,
		tokens("s1", "input", 10, t0),
		logEvent("s1", "user_prompt", t0),
		tokens("s0", "input", 10, t0.Add(-time.Minute)),
	)

	snap := st.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "s0", snap[0].ID, "ordered by start time")

	snap[1].Interactions[0].InputTokens = 9999
	snap[1].RecentLogEvents[0].Name = "mutated"
	snap[1].Totals.TokensByModel["claude-sonnet-4-5"] = TokenCounts{}

	s, _ := st.Get("s1")
	assert.Equal(t, int64(10), s.Interactions[0].InputTokens)
	assert.Equal(t, "user_prompt", s.RecentLogEvents[0].Name)
	assert.Equal(t, int64(10), s.Totals.TokensByModel["claude-sonnet-4-5"].Input)
}

func TestEvictNeverRemovesOpenSessions(t *testing.T) {
	st := testStore(func(c *Config) {
		c.Retention = time.Hour
		c.MaxClosed = 2
	})
	for i := 0; i < 4; i++ {
		sid := fmt.Sprintf("closed-%d", i)
		applyAll(t, st, cost(sid, 0.01, t0.Add(time.Duration(i)*time.Minute)))
	}
	applyAll(t, st, tokens("open", "input", 1, t0.Add(35*time.Minute)))
	st.CloseIfIdle(t0.Add(40*time.Minute), 30*time.Minute)

	// Retention not reached yet, but only two closed sessions may stay.
	evicted := st.Evict(t0.Add(41 * time.Minute))
	assert.Equal(t, []string{"closed-0", "closed-1"}, evicted)
	assert.True(t, st.Has("open"))

	// After the retention window the rest go too; the open session stays.
	evicted = st.Evict(t0.Add(3 * time.Hour))
	assert.Equal(t, []string{"closed-2", "closed-3"}, evicted)
	assert.True(t, st.Has("open"))
	assert.Equal(t, 1, st.Len())
}

func TestCollectDirtyAndMarkDirty(t *testing.T) {
	st := testStore(nil)
	applyAll(t, st, tokens("s1", "input", 1, t0))

	require.Len(t, st.CollectDirty(), 1)
	assert.Empty(t, st.CollectDirty())

	st.MarkDirty("s1")
	assert.Len(t, st.CollectDirty(), 1)
}

func TestRestore(t *testing.T) {
	src := testStore(nil)
	applyAll(t, src,
		tokens("s1", "input", 10, t0),
		logEvent("s1", "user_prompt", t0),
	)
	saved, _ := src.Get("s1")

	st := testStore(nil)
	require.True(t, st.Restore(saved))
	assert.False(t, st.Restore(saved))

	applyAll(t, st, tokens("s1", "input", 5, t0.Add(time.Second)))
	s, _ := st.Get("s1")
	assert.Equal(t, int64(15), s.Totals.Tokens.Input)
	assert.Len(t, s.RecentLogEvents, 1)
	require.Len(t, s.Interactions, 1)
	assert.Equal(t, int64(15), s.Interactions[0].InputTokens)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	st := testStore(nil)
	s, created := st.GetOrCreate("s1", t0)
	assert.True(t, created)
	assert.Equal(t, OutcomeOpen, s.Outcome)

	s, created = st.GetOrCreate("s1", t0.Add(time.Hour))
	assert.False(t, created)
	assert.Equal(t, t0, s.StartedAt)
}
