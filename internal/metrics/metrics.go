package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devpulse/internal/events"
)

var (
	PointsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devpulse_points_received_total",
		Help: "OTLP data points and log records received, by signal",
	}, []string{"signal"})

	NormalizationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devpulse_normalization_errors_total",
		Help: "Raw points rejected by the normalizer, by reason",
	}, []string{"reason"})

	AccountingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devpulse_accounting_errors_total",
		Help: "Events counted under a catch-all bucket, by reason",
	}, []string{"reason"})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devpulse_events_dropped_total",
		Help: "Queued events discarded because a session queue was full",
	})

	LateEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devpulse_late_events_total",
		Help: "Events received for sessions that had already closed",
	})

	UnknownModels = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devpulse_unknown_model_total",
		Help: "Interactions whose model had no price entry",
	}, []string{"provider", "model"})

	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devpulse_sessions_opened_total",
		Help: "Sessions created or restored",
	})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devpulse_sessions_closed_total",
		Help: "Sessions closed, by outcome",
	}, []string{"outcome"})

	InteractionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devpulse_interactions_closed_total",
		Help: "Interactions closed, by reason",
	}, []string{"reason"})

	CostDiscrepancies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devpulse_cost_discrepancies_total",
		Help: "Interactions whose reported cost disagreed with the computed cost",
	})

	SessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devpulse_sessions_evicted_total",
		Help: "Closed sessions evicted by retention",
	})

	SnapshotFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devpulse_snapshot_flush_total",
		Help: "Session writes to the persistence sink, by result",
	}, []string{"result"})

	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "devpulse_open_sessions",
		Help: "Sessions currently open",
	})
)

func init() {
	prometheus.MustRegister(
		PointsReceived,
		NormalizationErrors,
		AccountingErrors,
		EventsDropped,
		LateEvents,
		UnknownModels,
		SessionsOpened,
		SessionsClosed,
		InteractionsClosed,
		CostDiscrepancies,
		SessionsEvicted,
		SnapshotFlushes,
		OpenSessions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegisterEventHandler wires metric updates to the event emitter.
func RegisterEventHandler(emitter *events.Emitter) {
	emitter.OnEvent(func(ev events.Event) {
		switch ev.Type {
		case events.SessionOpened, events.SessionRestored:
			SessionsOpened.Inc()
		case events.SessionClosed:
			SessionsClosed.WithLabelValues(ev.Fields["outcome"]).Inc()
		case events.InteractionClosed:
			InteractionsClosed.WithLabelValues(ev.Fields["reason"]).Inc()
		case events.CostDiscrepancy:
			CostDiscrepancies.Inc()
		}
	})
}
