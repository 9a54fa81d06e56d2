// Package ingest composes normalization, the session store and analytics
// into the pipeline the receiver feeds and the pull API reads.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"devpulse/internal/analytics"
	"devpulse/internal/events"
	"devpulse/internal/metrics"
	"devpulse/internal/pricing"
	"devpulse/internal/session"
	"devpulse/internal/sink"
	"devpulse/internal/telemetry"
)

var (
	// ErrShuttingDown is returned by Ingest once Shutdown has begun.
	ErrShuttingDown = errors.New("ingest: shutting down")
	// ErrNotFound is returned for session ids that are neither held nor
	// persisted.
	ErrNotFound = errors.New("session not found")
)

// Options configures a Pipeline.
type Options struct {
	Store   *session.Store
	Engine  *analytics.Engine
	Loader  sink.Loader // optional, used for warm restart
	Emitter *events.Emitter
	Logger  *slog.Logger
	// SweepInterval is how often idle sessions are closed and retention
	// is enforced.
	SweepInterval time.Duration
	// DropWarnings limits how many backpressure warnings are logged per
	// second across all sessions.
	DropWarnings rate.Limit
}

// Result counts what happened to one batch of raw points.
type Result struct {
	Accepted int
	Rejected int
	Dropped  int
	Late     int
	// Errors holds the normalization errors of rejected points.
	Errors []error
}

// Pipeline is the composition root for ingestion.
type Pipeline struct {
	store   *session.Store
	engine  atomic.Pointer[analytics.Engine]
	loader  sink.Loader
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time

	sweepInterval time.Duration
	dropLog       *rate.Limiter

	// checked holds a *restoreMark per id looked up in the loader.
	checked sync.Map

	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.DropWarnings <= 0 {
		opts.DropWarnings = 1
	}
	p := &Pipeline{
		store:         opts.Store,
		loader:        opts.Loader,
		emitter:       opts.Emitter,
		logger:        opts.Logger.With("component", "pipeline"),
		now:           time.Now,
		sweepInterval: opts.SweepInterval,
		dropLog:       rate.NewLimiter(opts.DropWarnings, 5),
	}
	p.engine.Store(opts.Engine)
	return p
}

// Ingest normalizes and applies a batch of raw points. Malformed points
// are counted and skipped; the rest of the batch continues.
func (p *Pipeline) Ingest(ctx context.Context, points []telemetry.RawPoint) (Result, error) {
	p.mu.RLock()
	if p.closing {
		p.mu.RUnlock()
		return Result{}, ErrShuttingDown
	}
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	var res Result
	for _, raw := range points {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		metrics.PointsReceived.WithLabelValues(string(raw.Signal)).Inc()

		ev, err := telemetry.Normalize(raw)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err)
			reason := "unknown"
			var nerr *telemetry.NormalizationError
			if errors.As(err, &nerr) {
				reason = nerr.Reason
			}
			metrics.NormalizationErrors.WithLabelValues(reason).Inc()
			p.logger.Debug("point rejected", "name", raw.Name, "error", err)
			continue
		}

		p.restore(ctx, ev.SessionID)

		sub := p.store.Submit(ev)
		if sub.Created {
			p.emitOpened(ev.SessionID, events.SessionOpened)
		}
		if sub.Dropped {
			res.Dropped++
			metrics.EventsDropped.Inc()
			if p.dropLog.Allow() {
				p.logger.Warn("session queue full, dropped oldest event",
					"session", ev.SessionID, "error", session.ErrStoreCapacityExceeded)
			}
		}
		res.Late += p.handle(sub.Changes)
		res.Accepted++
	}
	return res, nil
}

// restoreMark records a loader lookup for one id. done is closed once the
// lookup and any restore have finished.
type restoreMark struct {
	at   time.Time
	done chan struct{}
}

// restore consults the loader the first time an unknown id is seen. A
// concurrent batch for the same id waits for that lookup to finish so its
// events land on the restored session.
func (p *Pipeline) restore(ctx context.Context, id string) {
	if p.loader == nil || p.store.Has(id) {
		return
	}
	mark := &restoreMark{at: p.now(), done: make(chan struct{})}
	if v, seen := p.checked.LoadOrStore(id, mark); seen {
		select {
		case <-v.(*restoreMark).done:
		case <-ctx.Done():
		}
		return
	}
	defer close(mark.done)

	s, err := p.loader.Load(ctx, id)
	if errors.Is(err, sink.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.Warn("failed to load session snapshot", "session", id, "error", err)
		return
	}
	if !p.store.Restore(s) {
		p.logger.Warn("discarded session snapshot, session already live", "session", id, "outcome", s.Outcome)
		return
	}
	p.logger.Info("session restored", "session", id, "outcome", s.Outcome)
	p.emitOpened(id, events.SessionRestored)
}

func (p *Pipeline) emitOpened(id, typ string) {
	s, ok := p.store.Get(id)
	if !ok {
		return
	}
	p.emitter.Emit(events.Event{
		Type:    typ,
		Session: id,
		Fields:  map[string]string{"outcome": string(s.Outcome)},
		Payload: s,
	})
}

// handle turns store changes into lifecycle events and metrics. It returns
// the number of late events among them.
func (p *Pipeline) handle(changes []session.Change) int {
	late := 0
	for _, ch := range changes {
		if ch.Err != nil {
			var aerr *session.AccountingError
			switch {
			case errors.Is(ch.Err, session.ErrSessionClosed):
				late++
				metrics.LateEvents.Inc()
				p.logger.Debug("event for closed session", "session", ch.SessionID)
			case errors.As(ch.Err, &aerr):
				metrics.AccountingErrors.WithLabelValues(aerr.Reason).Inc()
				p.logger.Debug("event counted as other", "session", ch.SessionID, "error", ch.Err)
			default:
				p.logger.Warn("apply event", "session", ch.SessionID, "error", ch.Err)
			}
		}

		for _, ci := range ch.Interactions {
			in := ci.Interaction
			p.emitter.Emit(events.Event{
				Type:    events.InteractionClosed,
				Session: ch.SessionID,
				Fields: map[string]string{
					"interaction": in.ID,
					"reason":      in.CloseReason,
					"model":       in.Model,
					"tokens":      strconv.FormatInt(in.TotalTokens(), 10),
				},
				Payload: ci,
			})
			var uerr *pricing.UnknownModelError
			if errors.As(ci.PricingErr, &uerr) {
				metrics.UnknownModels.WithLabelValues(uerr.Provider, uerr.Model).Inc()
				p.logger.Debug("no price for model", "session", ch.SessionID, "provider", uerr.Provider, "model", uerr.Model)
			}
			if d := ci.Discrepancy; d != nil {
				p.emitter.Emit(events.Event{
					Type:    events.CostDiscrepancy,
					Session: ch.SessionID,
					Fields: map[string]string{
						"interaction": in.ID,
						"model":       in.Model,
						"reported":    d.Reported.String(),
						"computed":    d.Computed.String(),
						"delta":       d.Delta.String(),
					},
					Payload: ci,
				})
			}
		}

		if ch.Closed() && ch.Session != nil {
			p.emitter.Emit(events.Event{
				Type:    events.SessionClosed,
				Session: ch.SessionID,
				Fields: map[string]string{
					"outcome":      string(ch.Outcome),
					"cost":         ch.Session.Totals.Cost.String(),
					"interactions": strconv.Itoa(len(ch.Session.Interactions)),
				},
				Payload: *ch.Session,
			})
		}
	}
	return late
}

// Run sweeps on every tick. Blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.now())
		}
	}
}

// Sweep drains leftover queued events, closes idle interactions and
// sessions as of now, and evicts closed sessions past retention.
func (p *Pipeline) Sweep(now time.Time) {
	cfg := p.store.Config()

	p.handle(p.store.DrainQueues())
	p.handle(p.store.CloseIfIdle(now, cfg.IdleTimeout))

	if ids := p.store.Evict(now); len(ids) > 0 {
		metrics.SessionsEvicted.Add(float64(len(ids)))
		p.emitter.Emit(events.Event{
			Type:   events.SessionsEvicted,
			Fields: map[string]string{"count": strconv.Itoa(len(ids))},
		})
	}

	// Forget loader lookups once they are older than retention; a later
	// event for such an id consults the loader again.
	if cfg.Retention > 0 {
		cutoff := now.Add(-cfg.Retention)
		p.checked.Range(func(k, v any) bool {
			if m, ok := v.(*restoreMark); ok && m.at.Before(cutoff) {
				p.checked.Delete(k)
			}
			return true
		})
	}

	metrics.OpenSessions.Set(float64(len(p.store.ListOpen())))
}

// Shutdown stops accepting points, waits for in-flight batches, applies any
// queued events and returns the sessions still open.
func (p *Pipeline) Shutdown(ctx context.Context) ([]session.Session, error) {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for in-flight batches: %w", ctx.Err())
	}

	p.handle(p.store.DrainQueues())
	open := p.store.ListOpen()
	for _, s := range open {
		p.emitter.Emit(events.Event{
			Type:    events.SessionDrained,
			Session: s.ID,
			Fields:  map[string]string{"outcome": string(s.Outcome)},
			Payload: s,
		})
	}
	p.logger.Info("pipeline drained", "open_sessions", len(open), "sessions", p.store.Len())
	return open, nil
}

// Reconfigure applies runtime-safe knobs.
func (p *Pipeline) Reconfigure(cfg session.Config, engine *analytics.Engine) {
	p.store.Reconfigure(cfg)
	if engine != nil {
		p.engine.Store(engine)
	}
}

// ListOpenSessions returns copies of every open session.
func (p *Pipeline) ListOpenSessions() []session.Session {
	return p.store.ListOpen()
}

// ListSessions returns copies of every held session.
func (p *Pipeline) ListSessions() []session.Session {
	return p.store.Snapshot()
}

// GetSession returns the held session, falling back to the loader for
// sessions no longer in memory.
func (p *Pipeline) GetSession(ctx context.Context, id string) (session.Session, error) {
	if s, ok := p.store.Get(id); ok {
		return s, nil
	}
	if p.loader == nil {
		return session.Session{}, ErrNotFound
	}
	s, err := p.loader.Load(ctx, id)
	if errors.Is(err, sink.ErrNotFound) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// GetInsights reports on sessions that started inside w.
func (p *Pipeline) GetInsights(w analytics.Window) analytics.Insight {
	return p.engine.Load().Report(p.store.Snapshot(), w)
}

// ScoreSession scores one session.
func (p *Pipeline) ScoreSession(ctx context.Context, id string) (analytics.Insight, error) {
	s, err := p.GetSession(ctx, id)
	if err != nil {
		return analytics.Insight{}, err
	}
	return p.engine.Load().ScoreSession(s)
}

// Trends yields per-window summaries of sessions that started inside w.
func (p *Pipeline) Trends(w analytics.Window, width time.Duration) iter.Seq[analytics.WindowSummary] {
	var in []session.Session
	for _, s := range p.store.Snapshot() {
		if w.Contains(s.StartedAt) {
			in = append(in, s)
		}
	}
	return p.engine.Load().Trends(in, width)
}
