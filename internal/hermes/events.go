package hermes

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"devpulse/internal/session"
)

// Event is the standardised envelope for all Hermes messages.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new Event with a generated ID and current timestamp.
func NewEvent(eventType, source string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// WithCorrelation returns a copy of the event with the given correlation and causation IDs.
func (e Event) WithCorrelation(correlationID, causationID string) Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// Marshal serialises the event to JSON bytes.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserialises an event from JSON bytes.
func UnmarshalEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Session event data types.

// SessionOpenedData is the payload for session opened events.
type SessionOpenedData struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Restored  bool      `json:"restored,omitempty"`
}

// SessionClosedData is the payload for session closed events.
type SessionClosedData struct {
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id,omitempty"`
	OrgID        string          `json:"org_id,omitempty"`
	Outcome      session.Outcome `json:"outcome"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	DurationMs   int64           `json:"duration_ms"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	TotalTokens  int64           `json:"total_tokens"`
	Interactions int             `json:"interactions"`
	Accepted     int64           `json:"accepted_decisions"`
	Rejected     int64           `json:"rejected_decisions"`
	LinesAdded   int64           `json:"lines_added"`
	LinesRemoved int64           `json:"lines_removed"`
}

// NewSessionClosedData summarizes a closed session.
func NewSessionClosedData(s session.Session) SessionClosedData {
	d := SessionClosedData{
		SessionID:    s.ID,
		UserID:       s.UserID,
		OrgID:        s.OrgID,
		Outcome:      s.Outcome,
		StartedAt:    s.StartedAt,
		DurationMs:   s.Duration().Milliseconds(),
		CostUSD:      s.Totals.Cost,
		TotalTokens:  s.Totals.Tokens.Total(),
		Interactions: len(s.Interactions),
		Accepted:     s.Totals.Accepted,
		Rejected:     s.Totals.Rejected,
		LinesAdded:   s.Totals.LinesAdded,
		LinesRemoved: s.Totals.LinesRemoved,
	}
	if s.EndedAt != nil {
		d.EndedAt = *s.EndedAt
	}
	return d
}

// CostDiscrepancyData is the payload for cost reconciliation events.
type CostDiscrepancyData struct {
	SessionID     string          `json:"session_id"`
	InteractionID string          `json:"interaction_id"`
	Provider      string          `json:"provider,omitempty"`
	Model         string          `json:"model"`
	ReportedUSD   decimal.Decimal `json:"reported_usd"`
	ComputedUSD   decimal.Decimal `json:"computed_usd"`
	DeltaUSD      decimal.Decimal `json:"delta_usd"`
}
