package session

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"devpulse/internal/telemetry"
)

type tokenBucket int

const (
	bucketOther tokenBucket = iota
	bucketInput
	bucketOutput
	bucketCacheRead
	bucketCacheCreation
)

func tokenBucketOf(typ string) tokenBucket {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(typ), "_", "")) {
	case "input":
		return bucketInput
	case "output":
		return bucketOutput
	case "cacheread":
		return bucketCacheRead
	case "cachecreation", "cachewrite":
		return bucketCacheCreation
	}
	return bucketOther
}

func (c *TokenCounts) add(b tokenBucket, n int64) {
	switch b {
	case bucketInput:
		c.Input += n
	case bucketOutput:
		c.Output += n
	case bucketCacheRead:
		c.CacheRead += n
	case bucketCacheCreation:
		c.CacheCreation += n
	default:
		c.Other += n
	}
}

func count(v float64) int64 { return int64(math.Round(v)) }

// Account folds one event into t. Unknown token or line types are counted
// in the matching Other bucket and reported with an AccountingError; the
// returned error never means the event was discarded.
func Account(t *Totals, ev telemetry.Event) error {
	a := ev.Attributes
	switch ev.Kind {
	case telemetry.KindCost:
		c := decimal.NewFromFloat(ev.Value)
		t.Cost = t.Cost.Add(c)
		if a.Model != "" {
			if t.CostByModel == nil {
				t.CostByModel = make(map[string]decimal.Decimal)
			}
			t.CostByModel[a.Model] = t.CostByModel[a.Model].Add(c)
		}

	case telemetry.KindTokenUsage:
		n := count(ev.Value)
		b := tokenBucketOf(a.Type)
		t.Tokens.add(b, n)
		if a.Model != "" {
			if t.TokensByModel == nil {
				t.TokensByModel = make(map[string]TokenCounts)
			}
			m := t.TokensByModel[a.Model]
			m.add(b, n)
			t.TokensByModel[a.Model] = m
		}
		if b == bucketOther {
			return &AccountingError{Reason: ReasonUnknownTokenType, SessionID: ev.SessionID, Type: a.Type, Value: ev.Value}
		}

	case telemetry.KindLinesOfCode:
		n := count(ev.Value)
		switch strings.ToLower(a.Type) {
		case "added":
			t.LinesAdded += n
		case "removed":
			t.LinesRemoved += n
		default:
			t.LinesOther += n
			return &AccountingError{Reason: ReasonUnknownLineType, SessionID: ev.SessionID, Type: a.Type, Value: ev.Value}
		}

	case telemetry.KindToolDecision:
		n := decisionCount(ev)
		if t.Decisions == nil {
			t.Decisions = make(map[DecisionKey]int64)
		}
		t.Decisions[DecisionKey{Tool: a.ToolName, Decision: a.Decision, Source: a.Source}] += n
		switch verdictOf(a.Decision) {
		case VerdictAccept:
			t.Accepted += n
		case VerdictReject:
			t.Rejected += n
		}

	case telemetry.KindCommit:
		t.Commits += count(ev.Value)
	case telemetry.KindPullRequest:
		t.PullRequests += count(ev.Value)
	case telemetry.KindSessionStart:
		t.SessionStarts++
	default:
		t.LogEvents++
	}
	return nil
}

// decisionCount is the number of decisions a tool_decision event carries.
// Metric points may aggregate several; log records carry one.
func decisionCount(ev telemetry.Event) int64 {
	n := count(ev.Value)
	if n < 1 {
		return 1
	}
	return n
}

// Fold replays events from an empty Totals. It is the reference the
// incremental path must agree with.
func Fold(events []telemetry.Event) (Totals, []error) {
	var t Totals
	var errs []error
	for _, ev := range events {
		if err := Account(&t, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return t, errs
}
