package hermes

import (
	"context"
	"log/slog"

	"devpulse/internal/events"
	"devpulse/internal/session"
	"devpulse/internal/snapshot"
)

// EventPublisher is the subset of Client used to publish. It lets the
// Publisher run against a fake in tests.
type EventPublisher interface {
	PublishEvent(subject, eventType, correlationID string, payload any) error
}

// Publisher forwards session lifecycle events and store snapshots to the bus.
type Publisher struct {
	client EventPublisher
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(client EventPublisher, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger.With("component", "hermes_publisher")}
}

// Attach registers the publisher on the emitter and returns the handler id.
func (p *Publisher) Attach(emitter *events.Emitter) int {
	return emitter.OnEvent(p.handle)
}

func (p *Publisher) handle(ev events.Event) {
	var err error
	switch ev.Type {
	case events.SessionOpened, events.SessionRestored:
		s, ok := ev.Payload.(session.Session)
		if !ok {
			return
		}
		err = p.client.PublishEvent(SessionSubject(SubjectSessionOpened, s.ID), ev.Type, s.ID, SessionOpenedData{
			SessionID: s.ID,
			UserID:    s.UserID,
			StartedAt: s.StartedAt,
			Restored:  ev.Type == events.SessionRestored,
		})
	case events.SessionClosed:
		s, ok := ev.Payload.(session.Session)
		if !ok {
			return
		}
		err = p.client.PublishEvent(SessionSubject(SubjectSessionClosed, s.ID), ev.Type, s.ID, NewSessionClosedData(s))
	case events.CostDiscrepancy:
		ci, ok := ev.Payload.(session.ClosedInteraction)
		if !ok || ci.Discrepancy == nil {
			return
		}
		in := ci.Interaction
		err = p.client.PublishEvent(SubjectCostDiscrepancy, ev.Type, in.SessionID, CostDiscrepancyData{
			SessionID:     in.SessionID,
			InteractionID: in.ID,
			Provider:      in.Provider,
			Model:         in.Model,
			ReportedUSD:   ci.Discrepancy.Reported,
			ComputedUSD:   ci.Discrepancy.Computed,
			DeltaUSD:      ci.Discrepancy.Delta,
		})
	default:
		return
	}
	if err != nil {
		p.logger.Warn("failed to publish event", "event", ev.Type, "session", ev.Session, "error", err)
	}
}

// PublishSnapshot publishes a store summary.
func (p *Publisher) PublishSnapshot(_ context.Context, sum snapshot.Summary) error {
	return p.client.PublishEvent(SubjectSnapshot, "snapshot", "", sum)
}
