package analytics

import (
	"math"

	"github.com/samber/lo"

	"devpulse/internal/session"
)

// lengthBuckets partition sessions by interaction count. Max < 0 is unbounded.
var lengthBuckets = []struct {
	name     string
	min, max int
}{
	{"0", 0, 0},
	{"1", 1, 1},
	{"2-3", 2, 3},
	{"4-7", 4, 7},
	{"8-15", 8, 15},
	{"16+", 16, -1},
}

// LengthPattern summarizes the closed sessions in one length bucket.
type LengthPattern struct {
	Bucket         string         `json:"bucket"`
	Sessions       int            `json:"sessions"`
	Completed      int            `json:"completed"`
	CompletionRate float64        `json:"completion_rate"`
	Outcomes       map[string]int `json:"outcomes"`
	Mean           float64        `json:"mean"`
	StdDev         float64        `json:"stddev"`
	Inefficient    bool           `json:"inefficient"`
}

func bucketOf(n int) string {
	for _, b := range lengthBuckets {
		if n >= b.min && (b.max < 0 || n <= b.max) {
			return b.name
		}
	}
	return lengthBuckets[len(lengthBuckets)-1].name
}

// Patterns buckets closed sessions by interaction count and flags buckets
// whose completion rate sits more than one standard deviation below the
// mean rate across populated buckets. Open sessions are ignored.
func Patterns(sessions []session.Session) []LengthPattern {
	closed := lo.Filter(sessions, func(s session.Session, _ int) bool { return s.Outcome.Terminal() })
	groups := lo.GroupBy(closed, func(s session.Session) string { return bucketOf(len(s.Interactions)) })

	var out []LengthPattern
	for _, b := range lengthBuckets {
		group, ok := groups[b.name]
		if !ok {
			continue
		}
		p := LengthPattern{Bucket: b.name, Sessions: len(group), Outcomes: make(map[string]int)}
		for _, s := range group {
			p.Outcomes[string(s.Outcome)]++
			if s.Outcome == session.OutcomeCompleted {
				p.Completed++
			}
		}
		p.CompletionRate = float64(p.Completed) / float64(p.Sessions)
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}

	rates := lo.Map(out, func(p LengthPattern, _ int) float64 { return p.CompletionRate })
	mean := lo.Sum(rates) / float64(len(rates))
	var variance float64
	for _, r := range rates {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(rates)))

	for i := range out {
		out[i].Mean = mean
		out[i].StdDev = stddev
		out[i].Inefficient = stddev > 0 && out[i].CompletionRate < mean-stddev
	}
	return out
}
