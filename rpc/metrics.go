package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	streams  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callservice",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callservice",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC handling time by operation.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5},
		}, []string{"op"}),
		streams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "callservice",
			Subsystem: "rpc",
			Name:      "event_streams_open",
			Help:      "Event streams currently attached.",
		}),
	}
}

func (m *Metrics) observe(op, outcome string, seconds float64) {
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(seconds)
}
