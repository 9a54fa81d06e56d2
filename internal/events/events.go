package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event type constants.
const (
	SessionOpened     = "session.opened"
	SessionClosed     = "session.closed"
	SessionRestored   = "session.restored"
	SessionDrained    = "session.drained"
	SessionsEvicted   = "sessions.evicted"
	InteractionClosed = "interaction.closed"
	CostDiscrepancy   = "cost.discrepancy"
	SnapshotFlushed   = "snapshot.flushed"
)

// Event is a session lifecycle event. Payload carries the typed value the
// event describes (a session copy, a discrepancy) for in-process handlers
// and is not logged.
type Event struct {
	Type      string            `json:"type"`
	Session   string            `json:"session,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
	Payload   any               `json:"-"`
}

// Emitter logs events and dispatches them to registered handlers.
type Emitter struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers []func(Event)
}

// NewEmitter creates a new event emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		logger: logger.With("component", "events"),
	}
}

// Emit logs the event and calls all registered handlers.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	attrs := []any{
		"event", ev.Type,
		"session", ev.Session,
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelInfo
	if ev.Type == InteractionClosed {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, "event emitted", attrs...)

	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, fn := range handlers {
		if fn != nil {
			fn(ev)
		}
	}
}

// OnEvent registers a handler to be called for every emitted event.
// Returns an ID that can be used with RemoveHandler.
func (e *Emitter) OnEvent(fn func(Event)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
	return len(e.handlers) - 1
}

// RemoveHandler removes a handler by its ID.
func (e *Emitter) RemoveHandler(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id >= 0 && id < len(e.handlers) {
		e.handlers[id] = nil
	}
}
