package telemetry

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func metricPoint(name string, value float64, attrs map[string]Value) RawPoint {
	if attrs == nil {
		attrs = map[string]Value{}
	}
	if _, ok := attrs["session.id"]; !ok {
		attrs["session.id"] = String("sess-1")
	}
	return RawPoint{
		Signal:       SignalMetric,
		Name:         name,
		Attributes:   attrs,
		TimeUnixNano: uint64(t0.UnixNano()),
		Value:        value,
		HasValue:     true,
	}
}

func TestNormalizeTokenUsage(t *testing.T) {
	ev, err := Normalize(metricPoint(MetricTokenUsage, 650, map[string]Value{
		"model":       String("claude-sonnet-4-5"),
		"type":        String("input"),
		"user.id":     String("u-1"),
		"terminal":    String("vscode"),
		"retry_count": Number(2),
	}))
	require.NoError(t, err)

	assert.Equal(t, KindTokenUsage, ev.Kind)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, t0, ev.Timestamp)
	assert.Equal(t, 650.0, ev.Value)
	assert.Equal(t, "claude-sonnet-4-5", ev.Attributes.Model)
	assert.Equal(t, "input", ev.Attributes.Type)
	assert.Equal(t, "u-1", ev.Attributes.UserID)
	assert.Equal(t, String("vscode"), ev.Attributes.Extra["terminal"])
	assert.Equal(t, Number(2), ev.Attributes.Extra["retry_count"])
	assert.NotContains(t, ev.Attributes.Extra, "session.id")
}

func TestNormalizeMetricKinds(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{MetricCost, KindCost},
		{MetricTokenUsage, KindTokenUsage},
		{MetricLinesOfCode, KindLinesOfCode},
		{MetricToolDecision, KindToolDecision},
		{MetricCommit, KindCommit},
		{MetricPullRequest, KindPullRequest},
		{"claude_code.session.count", KindUnknown},
		{"claude_code.active_time.total", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(metricPoint(tt.name, 1, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, tt.name, ev.Name)
		})
	}
}

func TestNormalizeUnknownMetricTravelsLogPath(t *testing.T) {
	ev, err := Normalize(metricPoint("claude_code.session.count", 1, nil))
	require.NoError(t, err)
	assert.True(t, ev.Kind.IsLog())
}

func TestNormalizeMissingIdentity(t *testing.T) {
	raw := metricPoint(MetricCost, 0.1, nil)
	raw.Attributes["session.id"] = String("  ")

	_, err := Normalize(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingIdentity))
	assert.False(t, errors.Is(err, ErrMalformedTimestamp))

	var nerr *NormalizationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, ReasonMissingIdentity, nerr.Reason)
}

func TestNormalizeMalformedTimestamp(t *testing.T) {
	raw := metricPoint(MetricCost, 0.1, map[string]Value{
		"event.timestamp": String("yesterday-ish"),
	})
	_, err := Normalize(raw)
	assert.True(t, errors.Is(err, ErrMalformedTimestamp))

	raw = metricPoint(MetricCost, 0.1, nil)
	raw.TimeUnixNano = 0
	_, err = Normalize(raw)
	assert.True(t, errors.Is(err, ErrMalformedTimestamp), "no time source at all")

	raw = metricPoint(MetricCost, 0.1, nil)
	raw.TimeUnixNano = 1 << 63
	_, err = Normalize(raw)
	assert.True(t, errors.Is(err, ErrMalformedTimestamp))
}

func TestNormalizeRejectsNonFiniteValues(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Normalize(metricPoint(MetricCost, v, nil))
		require.Error(t, err, "value %v", v)
		assert.True(t, errors.Is(err, ErrMalformedValue))

		var nerr *NormalizationError
		require.True(t, errors.As(err, &nerr))
		assert.Equal(t, ReasonMalformedValue, nerr.Reason)
	}

	ev, err := Normalize(metricPoint(MetricCost, 0, nil))
	require.NoError(t, err)
	assert.Zero(t, ev.Value)
}

func TestNormalizeTimestampPrecedence(t *testing.T) {
	raw := metricPoint(MetricCost, 0.1, map[string]Value{
		"event.timestamp": String("2025-03-14T10:00:00.5Z"),
	})
	ev, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 10, 0, 0, 500_000_000, time.UTC), ev.Timestamp)

	raw = metricPoint(MetricCost, 0.1, nil)
	raw.TimeUnixNano = 0
	raw.ObservedUnixNano = uint64(t0.Add(time.Second).UnixNano())
	ev, err = Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), ev.Timestamp)

	raw.ObservedUnixNano = 0
	raw.ReceivedAt = t0.Add(time.Minute)
	ev, err = Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), ev.Timestamp)
}

func TestNormalizeLogRecords(t *testing.T) {
	raw := RawPoint{
		Signal: SignalLog,
		Attributes: map[string]Value{
			"session.id": String("sess-9"),
			"event.name": String("tool_decision"),
			"tool_name":  String("Edit"),
			"decision":   String("reject"),
			"source":     String("user_reject"),
		},
		TimeUnixNano: uint64(t0.UnixNano()),
		Severity:     "INFO",
	}
	ev, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, KindToolDecision, ev.Kind)
	assert.Equal(t, "tool_decision", ev.Name)
	assert.Equal(t, 1.0, ev.Value)
	assert.Equal(t, "Edit", ev.Attributes.ToolName)
	assert.Equal(t, "reject", ev.Attributes.Decision)

	raw.Attributes["event.name"] = String("user_prompt")
	raw.Body = "claude_code.user_prompt"
	ev, err = Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, KindLogEvent, ev.Kind)
	assert.Equal(t, "claude_code.user_prompt", ev.Body)
	assert.Equal(t, "INFO", ev.Severity)
}

func TestNormalizeDoesNotAliasInput(t *testing.T) {
	attrs := map[string]Value{"custom": String("a")}
	ev, err := Normalize(metricPoint(MetricCost, 1, attrs))
	require.NoError(t, err)

	attrs["custom"] = String("b")
	assert.Equal(t, String("a"), ev.Attributes.Extra["custom"])
}

func TestValueJSON(t *testing.T) {
	data, err := json.Marshal(Attributes{Extra: map[string]Value{"n": Number(1.5), "s": String("x")}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"extra":{"n":1.5,"s":"x"}}`, string(data))

	var back Attributes
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Number(1.5), back.Extra["n"])
	assert.Equal(t, String("x"), back.Extra["s"])
}
