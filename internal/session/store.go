package session

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"devpulse/internal/pricing"
	"devpulse/internal/telemetry"
)

// LogCapacity is the number of recent log events kept per session.
const LogCapacity = 50

// Config holds the store's lifecycle and accounting knobs.
type Config struct {
	IdleTimeout     time.Duration
	InteractionIdle time.Duration
	BlockPolicy     BlockPolicy
	Retention       time.Duration
	MaxClosed       int
	QueueDepth      int
	Pricing         *pricing.Table
	Precision       int32
	Tolerance       decimal.Decimal
}

// DefaultConfig returns the defaults used when no config file overrides them.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     30 * time.Minute,
		InteractionIdle: 5 * time.Minute,
		BlockPolicy:     StrictRun{Window: 3},
		Retention:       24 * time.Hour,
		MaxClosed:       10000,
		QueueDepth:      256,
		Pricing:         pricing.Default(),
		Precision:       pricing.DefaultPrecision,
		Tolerance:       decimal.New(1, -4),
	}
}

// entry is one session with its own locks. mu guards the session state;
// qmu guards the pending event queue. The two are never held together.
type entry struct {
	mu    sync.Mutex
	s     Session
	logs  *Ring[telemetry.Event]
	dirty bool

	qmu      sync.Mutex
	queue    *Ring[telemetry.Event]
	draining bool
	dropped  atomic.Int64
}

// copyLocked returns a deep copy of the session. Caller holds e.mu.
func (e *entry) copyLocked() Session {
	c := e.s.Clone()
	items := e.logs.Items()
	for i := range items {
		items[i] = items[i].Clone()
	}
	c.RecentLogEvents = items
	c.DroppedEvents = e.dropped.Load()
	return c
}

// Store maps session ids to session state. The index lock is held only for
// map access; every mutation of a session happens under that session's own
// lock, so unrelated sessions never serialize on each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cfg    atomic.Pointer[Config]
	corr   atomic.Pointer[Correlator]
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	st := &Store{
		sessions: make(map[string]*entry),
		logger:   logger.With("component", "session_store"),
	}
	st.Reconfigure(cfg)
	return st
}

// Reconfigure swaps the lifecycle knobs. Queues already allocated keep
// their depth; new sessions use the new one.
func (st *Store) Reconfigure(cfg Config) {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	st.cfg.Store(&cfg)
	st.corr.Store(newCorrelator(cfg))
}

// Config returns the active configuration.
func (st *Store) Config() Config { return *st.cfg.Load() }

func (st *Store) lookup(id string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

func (st *Store) newEntry(s Session) *entry {
	e := &entry{
		s:     s,
		logs:  NewRing[telemetry.Event](LogCapacity),
		queue: NewRing[telemetry.Event](st.cfg.Load().QueueDepth),
	}
	return e
}

func (st *Store) getOrCreate(id string, startedAt time.Time) (*entry, bool) {
	if e := st.lookup(id); e != nil {
		return e, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.sessions[id]; ok {
		return e, false
	}
	e := st.newEntry(Session{
		ID:             id,
		StartedAt:      startedAt,
		LastActivityAt: startedAt,
		Outcome:        OutcomeOpen,
	})
	e.dirty = true
	st.sessions[id] = e
	return e, true
}

// GetOrCreate returns the session with id, creating it open at startedAt on
// first sight. The bool is true when the session was created.
func (st *Store) GetOrCreate(id string, startedAt time.Time) (Session, bool) {
	e, created := st.getOrCreate(id, startedAt)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyLocked(), created
}

// Apply folds ev into its session synchronously, creating the session if
// needed.
func (st *Store) Apply(ev telemetry.Event) Change {
	e, _ := st.getOrCreate(ev.SessionID, ev.Timestamp)
	return st.apply(e, ev)
}

func (st *Store) apply(e *entry, ev telemetry.Event) Change {
	corr := st.corr.Load()

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.s
	ch := Change{SessionID: s.ID}
	if s.Outcome.Terminal() {
		ch.Err = ErrSessionClosed
		return ch
	}

	if s.UserID == "" {
		s.UserID = ev.Attributes.UserID
	}
	if s.OrgID == "" {
		s.OrgID = ev.Attributes.OrgID
	}
	if ev.Timestamp.After(s.LastActivityAt) {
		s.LastActivityAt = ev.Timestamp
	}
	if ev.Timestamp.Before(s.StartedAt) {
		s.StartedAt = ev.Timestamp
	}

	if err := Account(&s.Totals, ev); err != nil {
		ch.Err = err
	}
	if ev.Kind.IsLog() {
		e.logs.Push(ev.Clone())
	}
	corr.observe(s, ev, &ch)
	e.dirty = true

	if ch.Closed() {
		cp := e.copyLocked()
		ch.Session = &cp
	}
	return ch
}

// SubmitResult describes one queued event.
type SubmitResult struct {
	Created bool
	// Dropped is true when the queue was full and its oldest event was
	// discarded to make room.
	Dropped bool
	// Changes holds every event this caller applied while draining, which
	// may include events queued by other callers.
	Changes []Change
}

// Submit queues ev on its session and drains the queue if no other caller
// is already draining it. A full queue drops its oldest pending event.
func (st *Store) Submit(ev telemetry.Event) SubmitResult {
	e, created := st.getOrCreate(ev.SessionID, ev.Timestamp)
	res := SubmitResult{Created: created}

	e.qmu.Lock()
	if _, evicted := e.queue.Push(ev); evicted {
		e.dropped.Add(1)
		res.Dropped = true
	}
	if e.draining {
		e.qmu.Unlock()
		return res
	}
	e.draining = true
	budget := 4 * e.queue.Cap()
	e.qmu.Unlock()

	res.Changes = st.drain(e, budget)
	return res
}

// drain applies queued events until the queue is empty or budget events
// were applied (budget <= 0 means no limit). Leftovers are picked up by the
// next Submit or DrainQueues.
func (st *Store) drain(e *entry, budget int) []Change {
	var changes []Change
	for n := 0; budget <= 0 || n < budget; n++ {
		e.qmu.Lock()
		ev, ok := e.queue.Pop()
		if !ok {
			e.draining = false
			e.qmu.Unlock()
			return changes
		}
		e.qmu.Unlock()
		changes = append(changes, st.apply(e, ev))
	}
	e.qmu.Lock()
	e.draining = false
	e.qmu.Unlock()
	return changes
}

// DrainQueues applies every pending queued event.
func (st *Store) DrainQueues() []Change {
	var changes []Change
	for _, e := range st.entries() {
		e.qmu.Lock()
		if e.draining || e.queue.Len() == 0 {
			e.qmu.Unlock()
			continue
		}
		e.draining = true
		e.qmu.Unlock()
		changes = append(changes, st.drain(e, 0)...)
	}
	return changes
}

// Pending returns the number of queued, unapplied events.
func (st *Store) Pending() int {
	n := 0
	for _, e := range st.entries() {
		e.qmu.Lock()
		n += e.queue.Len()
		e.qmu.Unlock()
	}
	return n
}

func (st *Store) entries() []*entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		out = append(out, e)
	}
	return out
}

// CloseIfIdle closes idle interactions and sessions as of now. Sessions
// idle longer than idleTimeout close completed or abandoned.
func (st *Store) CloseIfIdle(now time.Time, idleTimeout time.Duration) []Change {
	corr := st.corr.Load()
	var changes []Change
	for _, e := range st.entries() {
		e.mu.Lock()
		if e.s.Outcome.Terminal() {
			e.mu.Unlock()
			continue
		}
		ch := Change{SessionID: e.s.ID}
		corr.evaluate(&e.s, now, idleTimeout, &ch)
		if len(ch.Interactions) > 0 || ch.Closed() {
			e.dirty = true
			if ch.Closed() {
				cp := e.copyLocked()
				ch.Session = &cp
			}
			changes = append(changes, ch)
		}
		e.mu.Unlock()
	}
	return changes
}

// Snapshot returns copies of every session ordered by start time then id.
// Each session is locked only while it is copied.
func (st *Store) Snapshot() []Session {
	return st.collect(func(Session) bool { return true })
}

// ListOpen returns copies of the open sessions.
func (st *Store) ListOpen() []Session {
	return st.collect(func(s Session) bool { return !s.Outcome.Terminal() })
}

func (st *Store) collect(keep func(Session) bool) []Session {
	entries := st.entries()
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.s) {
			out = append(out, e.copyLocked())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of the session with id.
func (st *Store) Get(id string) (Session, bool) {
	e := st.lookup(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyLocked(), true
}

// Has reports whether id is held in memory.
func (st *Store) Has(id string) bool { return st.lookup(id) != nil }

// Len returns the number of sessions held.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Evict removes closed sessions that ended before now minus the retention
// window, then the oldest closed sessions beyond MaxClosed. Open sessions
// are never evicted. Returns the evicted ids oldest first.
func (st *Store) Evict(now time.Time) []string {
	cfg := st.cfg.Load()

	type candidate struct {
		id    string
		ended time.Time
		e     *entry
	}
	var closed []candidate
	for _, e := range st.entries() {
		e.mu.Lock()
		if e.s.Outcome.Terminal() {
			ended := e.s.LastActivityAt
			if e.s.EndedAt != nil {
				ended = *e.s.EndedAt
			}
			closed = append(closed, candidate{id: e.s.ID, ended: ended, e: e})
		}
		e.mu.Unlock()
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ended.Before(closed[j].ended) })

	cutoff := now.Add(-cfg.Retention)
	remaining := len(closed)
	var victims []candidate
	for _, c := range closed {
		expired := cfg.Retention > 0 && c.ended.Before(cutoff)
		over := cfg.MaxClosed > 0 && remaining > cfg.MaxClosed
		if !expired && !over {
			break
		}
		victims = append(victims, c)
		remaining--
	}
	if len(victims) == 0 {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		if st.sessions[v.id] == v.e {
			delete(st.sessions, v.id)
			ids = append(ids, v.id)
		}
	}
	st.logger.Debug("evicted closed sessions", "count", len(ids))
	return ids
}

// CollectDirty returns copies of sessions changed since the last call and
// clears their dirty flag.
func (st *Store) CollectDirty() []Session {
	var out []Session
	for _, e := range st.entries() {
		e.mu.Lock()
		if e.dirty {
			out = append(out, e.copyLocked())
			e.dirty = false
		}
		e.mu.Unlock()
	}
	return out
}

// MarkDirty flags a session for the next CollectDirty, used to retry
// failed writes.
func (st *Store) MarkDirty(id string) {
	if e := st.lookup(id); e != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
	}
}

// Restore inserts a previously saved session unless id is already held.
// Returns false when the store already had the session.
func (st *Store) Restore(s Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ID]; ok {
		return false
	}
	logs := s.RecentLogEvents
	dropped := s.DroppedEvents
	s = s.Clone()
	s.RecentLogEvents = nil
	if s.Outcome == "" {
		s.Outcome = OutcomeOpen
	}

	e := st.newEntry(s)
	for _, ev := range logs {
		e.logs.Push(ev.Clone())
	}
	e.dropped.Store(dropped)
	st.sessions[s.ID] = e
	return true
}
