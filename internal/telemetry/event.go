package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind classifies a normalized event.
type Kind string

const (
	KindCost         Kind = "cost"
	KindTokenUsage   Kind = "token_usage"
	KindLinesOfCode  Kind = "lines_of_code"
	KindToolDecision Kind = "tool_decision"
	KindSessionStart Kind = "session_start"
	KindCommit       Kind = "commit"
	KindPullRequest  Kind = "pull_request"
	KindLogEvent     Kind = "log_event"
	KindUnknown      Kind = "unknown"
)

// IsLog reports whether events of this kind travel the log-event path.
func (k Kind) IsLog() bool {
	return k == KindLogEvent || k == KindUnknown || k == KindSessionStart
}

// Signal is the OTLP signal a raw point arrived on.
type Signal string

const (
	SignalMetric Signal = "metric"
	SignalLog    Signal = "log"
)

// Value is an attribute value, either a string or a number.
type Value struct {
	Str   string
	Num   float64
	IsNum bool
}

// String returns a string attribute value.
func String(s string) Value { return Value{Str: s} }

// Number returns a numeric attribute value.
func Number(f float64) Value { return Value{Num: f, IsNum: true} }

func (v Value) String() string {
	if v.IsNum {
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	}
	return v.Str
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsNum {
		return json.Marshal(v.Num)
	}
	return json.Marshal(v.Str)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = Number(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("attribute value: %w", err)
	}
	*v = String(s)
	return nil
}

// Attributes holds the known attribute keys of an event. Anything else is
// kept in Extra so new exporter attributes survive normalization.
type Attributes struct {
	Model     string           `json:"model,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Type      string           `json:"type,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
	Decision  string           `json:"decision,omitempty"`
	Source    string           `json:"source,omitempty"`
	Language  string           `json:"language,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	OrgID     string           `json:"org_id,omitempty"`
	EventName string           `json:"event_name,omitempty"`
	Extra     map[string]Value `json:"extra,omitempty"`
}

// Clone returns a copy that shares no maps with a.
func (a Attributes) Clone() Attributes {
	if a.Extra == nil {
		return a
	}
	extra := make(map[string]Value, len(a.Extra))
	for k, v := range a.Extra {
		extra[k] = v
	}
	a.Extra = extra
	return a
}

// Event is the canonical unit produced by Normalize. Events are values and
// are never mutated after normalization.
type Event struct {
	Kind       Kind       `json:"kind"`
	Name       string     `json:"name"`
	SessionID  string     `json:"session_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Attributes Attributes `json:"attributes"`
	Value      float64    `json:"value"`
	Body       string     `json:"body,omitempty"`
	Severity   string     `json:"severity,omitempty"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	e.Attributes = e.Attributes.Clone()
	return e
}

// RawPoint is one flattened OTLP data point or log record before
// normalization. Attributes merge resource, scope and point attributes.
type RawPoint struct {
	Signal           Signal
	Name             string
	Scope            string
	Attributes       map[string]Value
	TimeUnixNano     uint64
	ObservedUnixNano uint64
	ReceivedAt       time.Time
	Value            float64
	HasValue         bool
	Body             string
	Severity         string
}
