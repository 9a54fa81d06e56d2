package otlp

import (
	"encoding/base64"
	"strconv"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"devpulse/internal/telemetry"
)

// valueOf converts an OTLP AnyValue. Arrays and maps are kept as their
// JSON encoding in a string value.
func valueOf(v *commonpb.AnyValue) telemetry.Value {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return telemetry.String(x.StringValue)
	case *commonpb.AnyValue_BoolValue:
		return telemetry.String(strconv.FormatBool(x.BoolValue))
	case *commonpb.AnyValue_IntValue:
		return telemetry.Number(float64(x.IntValue))
	case *commonpb.AnyValue_DoubleValue:
		return telemetry.Number(x.DoubleValue)
	case *commonpb.AnyValue_BytesValue:
		return telemetry.String(base64.StdEncoding.EncodeToString(x.BytesValue))
	case *commonpb.AnyValue_ArrayValue, *commonpb.AnyValue_KvlistValue:
		b, err := protojson.Marshal(v)
		if err != nil {
			return telemetry.String("")
		}
		return telemetry.String(string(b))
	}
	return telemetry.String("")
}

// mergeAttributes overlays layers in order, later keys winning.
func mergeAttributes(layers ...[]*commonpb.KeyValue) map[string]telemetry.Value {
	n := 0
	for _, l := range layers {
		n += len(l)
	}
	out := make(map[string]telemetry.Value, n)
	for _, l := range layers {
		for _, kv := range l {
			if kv.GetKey() == "" {
				continue
			}
			out[kv.GetKey()] = valueOf(kv.GetValue())
		}
	}
	return out
}

// flattenMetrics turns every data point of every metric into a RawPoint.
// Exponential histograms and summaries carry no value the session model
// uses and are skipped.
func flattenMetrics(rms []*metricspb.ResourceMetrics, receivedAt time.Time) []telemetry.RawPoint {
	var out []telemetry.RawPoint
	for _, rm := range rms {
		resAttrs := rm.GetResource().GetAttributes()
		for _, sm := range rm.GetScopeMetrics() {
			scope := sm.GetScope()
			for _, m := range sm.GetMetrics() {
				base := telemetry.RawPoint{
					Signal:     telemetry.SignalMetric,
					Name:       m.GetName(),
					Scope:      scope.GetName(),
					ReceivedAt: receivedAt,
				}
				switch data := m.GetData().(type) {
				case *metricspb.Metric_Sum:
					out = appendNumberPoints(out, base, resAttrs, scope.GetAttributes(), data.Sum.GetDataPoints())
				case *metricspb.Metric_Gauge:
					out = appendNumberPoints(out, base, resAttrs, scope.GetAttributes(), data.Gauge.GetDataPoints())
				case *metricspb.Metric_Histogram:
					for _, dp := range data.Histogram.GetDataPoints() {
						p := base
						p.Attributes = mergeAttributes(resAttrs, scope.GetAttributes(), dp.GetAttributes())
						p.TimeUnixNano = dp.GetTimeUnixNano()
						if dp.Sum != nil {
							p.Value = dp.GetSum()
							p.HasValue = true
						}
						out = append(out, p)
					}
				}
			}
		}
	}
	return out
}

func appendNumberPoints(out []telemetry.RawPoint, base telemetry.RawPoint, res, scope []*commonpb.KeyValue, dps []*metricspb.NumberDataPoint) []telemetry.RawPoint {
	for _, dp := range dps {
		p := base
		p.Attributes = mergeAttributes(res, scope, dp.GetAttributes())
		p.TimeUnixNano = dp.GetTimeUnixNano()
		switch v := dp.GetValue().(type) {
		case *metricspb.NumberDataPoint_AsDouble:
			p.Value, p.HasValue = v.AsDouble, true
		case *metricspb.NumberDataPoint_AsInt:
			p.Value, p.HasValue = float64(v.AsInt), true
		}
		out = append(out, p)
	}
	return out
}

// flattenLogs turns every log record into a RawPoint. The name is left
// empty; normalization takes it from the event.name attribute.
func flattenLogs(rls []*logspb.ResourceLogs, receivedAt time.Time) []telemetry.RawPoint {
	var out []telemetry.RawPoint
	for _, rl := range rls {
		resAttrs := rl.GetResource().GetAttributes()
		for _, sl := range rl.GetScopeLogs() {
			scope := sl.GetScope()
			for _, lr := range sl.GetLogRecords() {
				p := telemetry.RawPoint{
					Signal:           telemetry.SignalLog,
					Scope:            scope.GetName(),
					Attributes:       mergeAttributes(resAttrs, scope.GetAttributes(), lr.GetAttributes()),
					TimeUnixNano:     lr.GetTimeUnixNano(),
					ObservedUnixNano: lr.GetObservedTimeUnixNano(),
					ReceivedAt:       receivedAt,
					Severity:         lr.GetSeverityText(),
				}
				if p.Severity == "" && lr.GetSeverityNumber() != logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED {
					p.Severity = lr.GetSeverityNumber().String()
				}
				if body := lr.GetBody(); body != nil {
					p.Body = valueOf(body).String()
				}
				out = append(out, p)
			}
		}
	}
	return out
}
