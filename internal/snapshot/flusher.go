// Package snapshot periodically persists changed sessions and publishes a
// summary of the store.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"devpulse/internal/events"
	"devpulse/internal/metrics"
	"devpulse/internal/session"
	"devpulse/internal/sink"
)

// Source is the part of the session store the flusher reads.
type Source interface {
	CollectDirty() []session.Session
	MarkDirty(id string)
	ListOpen() []session.Session
	Len() int
}

// Summary describes the store at one flush.
type Summary struct {
	At           time.Time       `json:"at"`
	Sessions     int             `json:"sessions"`
	OpenSessions int             `json:"open_sessions"`
	OpenCost     decimal.Decimal `json:"open_cost"`
	OpenTokens   int64           `json:"open_tokens"`
	Flushed      int             `json:"flushed"`
	Failed       int             `json:"failed"`
}

// Publisher receives a Summary after every flush.
type Publisher interface {
	PublishSnapshot(ctx context.Context, s Summary) error
}

// Flusher writes dirty sessions to the sink on an interval.
type Flusher struct {
	source    Source
	sink      sink.Sink
	publisher Publisher
	emitter   *events.Emitter
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Flusher. sink, publisher and emitter may be nil.
func New(source Source, s sink.Sink, publisher Publisher, emitter *events.Emitter, interval time.Duration, logger *slog.Logger) *Flusher {
	return &Flusher{
		source:    source,
		sink:      s,
		publisher: publisher,
		emitter:   emitter,
		interval:  interval,
		logger:    logger.With("component", "snapshot"),
		now:       time.Now,
	}
}

// Run flushes on every tick. Blocks until ctx is cancelled, then performs
// a final flush.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Flush(context.Background()) // final flush
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush persists every dirty session and publishes a summary. Sessions whose
// write fails are marked dirty again so the next flush retries them.
func (f *Flusher) Flush(ctx context.Context) Summary {
	sum := Summary{At: f.now()}

	if f.sink != nil {
		dirty := f.source.CollectDirty()
		for _, s := range dirty {
			if err := f.sink.Save(ctx, s); err != nil {
				f.logger.Error("failed to persist session", "session", s.ID, "error", err)
				metrics.SnapshotFlushes.WithLabelValues("error").Inc()
				f.source.MarkDirty(s.ID)
				sum.Failed++
				continue
			}
			metrics.SnapshotFlushes.WithLabelValues("ok").Inc()
			sum.Flushed++
		}
		if len(dirty) > 0 {
			f.logger.Info(fmt.Sprintf("flushed %d/%d sessions to sink", sum.Flushed, len(dirty)))
		}
	}

	open := f.source.ListOpen()
	sum.Sessions = f.source.Len()
	sum.OpenSessions = len(open)
	for _, s := range open {
		sum.OpenCost = sum.OpenCost.Add(s.Totals.Cost)
		sum.OpenTokens += s.Totals.Tokens.Total()
	}

	if f.publisher != nil {
		if err := f.publisher.PublishSnapshot(ctx, sum); err != nil {
			f.logger.Warn("failed to publish snapshot", "error", err)
		}
	}
	if f.emitter != nil && (sum.Flushed > 0 || sum.Failed > 0) {
		f.emitter.Emit(events.Event{
			Type: events.SnapshotFlushed,
			Fields: map[string]string{
				"flushed": strconv.Itoa(sum.Flushed),
				"failed":  strconv.Itoa(sum.Failed),
			},
			Payload: sum,
		})
	}
	return sum
}
