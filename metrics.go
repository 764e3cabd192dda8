package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "callservice"

// Metrics are the service-wide Prometheus collectors.
type Metrics struct {
	sessionsActive     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	sessionsClosed     prometheus.Counter
	eventsEmitted      *prometheus.CounterVec
	eventsDropped      prometheus.Counter
	candidatesQueued   prometheus.Counter
	candidatesDrained  prometheus.Counter
	candidatesFiltered prometheus.Counter
	lastHeartbeat      prometheus.Gauge
	livenessExpired    prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg gets a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "sessions", Name: "active",
			Help: "Sessions currently in the registry.",
		}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "sessions", Name: "created_total",
			Help: "Sessions created.",
		}),
		sessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "sessions", Name: "closed_total",
			Help: "Sessions closed.",
		}),
		eventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "events", Name: "emitted_total",
			Help: "Events enqueued to session streams.",
		}, []string{"kind"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "events", Name: "dropped_total",
			Help: "Events dropped because a session stream was full.",
		}),
		candidatesQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "candidates", Name: "queued_total",
			Help: "Remote candidates queued before their session existed.",
		}),
		candidatesDrained: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "candidates", Name: "drained_total",
			Help: "Queued remote candidates applied after the remote description was set.",
		}),
		candidatesFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "candidates", Name: "filtered_total",
			Help: "Local non-relay candidates withheld in relay-only mode.",
		}),
		lastHeartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "liveness", Name: "last_heartbeat_seconds",
			Help: "Unix time of the last heartbeat.",
		}),
		livenessExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "liveness", Name: "expired_total",
			Help: "Times the liveness window elapsed without a heartbeat.",
		}),
	}
}
