package telemetry

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Metric names emitted by the assistant's OTLP exporter.
const (
	MetricCost         = "claude_code.cost.usage"
	MetricTokenUsage   = "claude_code.token.usage"
	MetricLinesOfCode  = "claude_code.lines_of_code.count"
	MetricToolDecision = "claude_code.code_edit_tool.decision"
	MetricCommit       = "claude_code.commit.count"
	MetricPullRequest  = "claude_code.pull_request.count"
)

var metricKinds = map[string]Kind{
	MetricCost:         KindCost,
	MetricTokenUsage:   KindTokenUsage,
	MetricLinesOfCode:  KindLinesOfCode,
	MetricToolDecision: KindToolDecision,
	MetricCommit:       KindCommit,
	MetricPullRequest:  KindPullRequest,
}

// Log records are classified by their event.name attribute.
var logKinds = map[string]Kind{
	"tool_decision":             KindToolDecision,
	"claude_code.tool_decision": KindToolDecision,
	"session_start":             KindSessionStart,
	"claude_code.session_start": KindSessionStart,
}

// Attribute keys with a dedicated field. Aliases map onto the same field.
const (
	keySessionID = "session.id"
	keyTimestamp = "event.timestamp"
	keyEventName = "event.name"
)

var knownKeys = map[string]func(*Attributes, string){
	"model":           func(a *Attributes, v string) { a.Model = v },
	"provider":        func(a *Attributes, v string) { a.Provider = v },
	"gen_ai.system":   func(a *Attributes, v string) { a.Provider = v },
	"type":            func(a *Attributes, v string) { a.Type = v },
	"tool_name":       func(a *Attributes, v string) { a.ToolName = v },
	"tool":            func(a *Attributes, v string) { a.ToolName = v },
	"decision":        func(a *Attributes, v string) { a.Decision = v },
	"source":          func(a *Attributes, v string) { a.Source = v },
	"language":        func(a *Attributes, v string) { a.Language = v },
	"user.id":         func(a *Attributes, v string) { a.UserID = v },
	"user.account_uuid": func(a *Attributes, v string) {
		if a.UserID == "" {
			a.UserID = v
		}
	},
	"organization.id": func(a *Attributes, v string) { a.OrgID = v },
	keyEventName:      func(a *Attributes, v string) { a.EventName = v },
}

// KindFor returns the kind for a metric name or log event name.
func KindFor(signal Signal, name string) Kind {
	if signal == SignalLog {
		if k, ok := logKinds[name]; ok {
			return k
		}
		return KindLogEvent
	}
	if k, ok := metricKinds[name]; ok {
		return k
	}
	return KindUnknown
}

// Normalize converts a raw point into an Event. It has no side effects.
func Normalize(raw RawPoint) (Event, error) {
	name := raw.Name
	if name == "" && raw.Signal == SignalLog {
		if v, ok := raw.Attributes[keyEventName]; ok {
			name = v.String()
		}
	}

	sid := ""
	if v, ok := raw.Attributes[keySessionID]; ok {
		sid = strings.TrimSpace(v.String())
	}
	if sid == "" {
		return Event{}, &NormalizationError{Reason: ReasonMissingIdentity, Name: name}
	}

	ts, err := timestampOf(raw, name)
	if err != nil {
		return Event{}, err
	}

	// Non-finite values cannot be accounted as tokens, lines or money.
	if math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) {
		return Event{}, &NormalizationError{Reason: ReasonMalformedValue, Name: name, Detail: strconv.FormatFloat(raw.Value, 'g', -1, 64)}
	}

	ev := Event{
		Kind:       KindFor(raw.Signal, name),
		Name:       name,
		SessionID:  sid,
		Timestamp:  ts,
		Attributes: attributesOf(raw.Attributes),
		Value:      raw.Value,
		Body:       raw.Body,
		Severity:   raw.Severity,
	}
	if !raw.HasValue && (ev.Kind == KindToolDecision || ev.Kind.IsLog()) {
		ev.Value = 1
	}
	return ev, nil
}

func timestampOf(raw RawPoint, name string) (time.Time, error) {
	if v, ok := raw.Attributes[keyTimestamp]; ok {
		if v.IsNum {
			return time.Time{}, &NormalizationError{Reason: ReasonMalformedTimestamp, Name: name, Detail: "numeric event.timestamp"}
		}
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v.Str))
		if err != nil {
			return time.Time{}, &NormalizationError{Reason: ReasonMalformedTimestamp, Name: name, Detail: err.Error()}
		}
		return ts.UTC(), nil
	}

	nanos := raw.TimeUnixNano
	if nanos == 0 {
		nanos = raw.ObservedUnixNano
	}
	if nanos > math.MaxInt64 {
		return time.Time{}, &NormalizationError{Reason: ReasonMalformedTimestamp, Name: name, Detail: "time_unix_nano out of range"}
	}
	if nanos == 0 {
		if raw.ReceivedAt.IsZero() {
			return time.Time{}, &NormalizationError{Reason: ReasonMalformedTimestamp, Name: name, Detail: "no timestamp"}
		}
		return raw.ReceivedAt.UTC(), nil
	}
	return time.Unix(0, int64(nanos)).UTC(), nil
}

func attributesOf(raw map[string]Value) Attributes {
	var a Attributes
	for k, v := range raw {
		if k == keySessionID || k == keyTimestamp {
			continue
		}
		if set, ok := knownKeys[k]; ok {
			set(&a, v.String())
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]Value)
		}
		a.Extra[k] = v
	}
	return a
}
