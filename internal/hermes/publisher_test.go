package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpulse/internal/events"
	"devpulse/internal/pricing"
	"devpulse/internal/session"
	"devpulse/internal/snapshot"
)

type published struct {
	subject       string
	eventType     string
	correlationID string
	payload       any
}

type fakeClient struct {
	msgs []published
	err  error
}

func (f *fakeClient) PublishEvent(subject, eventType, correlationID string, payload any) error {
	f.msgs = append(f.msgs, published{subject, eventType, correlationID, payload})
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublisherForwardsLifecycle(t *testing.T) {
	fc := &fakeClient{}
	emitter := events.NewEmitter(testLogger())
	NewPublisher(fc, testLogger()).Attach(emitter)

	end := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := session.Session{ID: "s.1", StartedAt: end.Add(-time.Hour), EndedAt: &end, Outcome: session.OutcomeCompleted}

	emitter.Emit(events.Event{Type: events.SessionOpened, Session: s.ID, Payload: s})
	emitter.Emit(events.Event{Type: events.SessionClosed, Session: s.ID, Payload: s})
	emitter.Emit(events.Event{Type: events.InteractionClosed, Session: s.ID})

	require.Len(t, fc.msgs, 2)
	assert.Equal(t, "devpulse.session.s_1.opened", fc.msgs[0].subject)
	assert.Equal(t, "devpulse.session.s_1.closed", fc.msgs[1].subject)
	assert.Equal(t, "s.1", fc.msgs[0].correlationID)
	assert.Equal(t, "s.1", fc.msgs[1].correlationID)
	closed, ok := fc.msgs[1].payload.(SessionClosedData)
	require.True(t, ok)
	assert.Equal(t, int64(3600000), closed.DurationMs)
	assert.Equal(t, session.OutcomeCompleted, closed.Outcome)
}

func TestPublisherDetach(t *testing.T) {
	fc := &fakeClient{}
	emitter := events.NewEmitter(testLogger())
	id := NewPublisher(fc, testLogger()).Attach(emitter)

	emitter.RemoveHandler(id)
	emitter.Emit(events.Event{Type: events.SessionClosed, Payload: session.Session{ID: "x"}})
	assert.Empty(t, fc.msgs)
}

func TestPublisherCostDiscrepancy(t *testing.T) {
	fc := &fakeClient{}
	emitter := events.NewEmitter(testLogger())
	NewPublisher(fc, testLogger()).Attach(emitter)

	d := pricing.Discrepancy{
		Reported: decimal.RequireFromString("0.02"),
		Computed: decimal.RequireFromString("0.015"),
		Delta:    decimal.RequireFromString("0.005"),
	}
	ci := session.ClosedInteraction{
		Interaction: session.Interaction{ID: "i-1", SessionID: "s", Model: "gpt-4o"},
		Discrepancy: &d,
	}
	emitter.Emit(events.Event{Type: events.CostDiscrepancy, Session: "s", Payload: ci})
	// without a discrepancy nothing is published
	emitter.Emit(events.Event{Type: events.CostDiscrepancy, Session: "s", Payload: session.ClosedInteraction{}})

	require.Len(t, fc.msgs, 1)
	assert.Equal(t, SubjectCostDiscrepancy, fc.msgs[0].subject)
	assert.Equal(t, "s", fc.msgs[0].correlationID)
	data := fc.msgs[0].payload.(CostDiscrepancyData)
	assert.Equal(t, "i-1", data.InteractionID)
	assert.True(t, data.DeltaUSD.Equal(d.Delta))
}

func TestPublisherErrorsDoNotPanic(t *testing.T) {
	fc := &fakeClient{err: errors.New("nats: connection closed")}
	emitter := events.NewEmitter(testLogger())
	NewPublisher(fc, testLogger()).Attach(emitter)

	emitter.Emit(events.Event{Type: events.SessionClosed, Payload: session.Session{ID: "x"}})
	assert.Len(t, fc.msgs, 1)
}

func TestPublishSnapshot(t *testing.T) {
	fc := &fakeClient{}
	p := NewPublisher(fc, testLogger())

	sum := snapshot.Summary{OpenSessions: 3, Flushed: 2}
	require.NoError(t, p.PublishSnapshot(context.Background(), sum))
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, SubjectSnapshot, fc.msgs[0].subject)
	assert.Empty(t, fc.msgs[0].correlationID)

	raw, err := json.Marshal(fc.msgs[0].payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"open_sessions":3`)
}
