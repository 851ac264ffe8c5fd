package depman

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Manager's optional Prometheus instrumentation:
// queue depth, active-service gauge, a dispatch counter by event type,
// and cascade duration.
type Metrics struct {
	QueueDepth       prometheus.Gauge
	ActiveServices   prometheus.Gauge
	EventsDispatched *prometheus.CounterVec
	CascadeDuration  prometheus.Histogram
}

// NewMetrics registers and returns a Metrics bundle on reg. Pass
// prometheus.NewRegistry() (or DefaultRegisterer) from the caller.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depman",
			Name:      "queue_depth",
			Help:      "Number of events currently queued.",
		}),
		ActiveServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depman",
			Name:      "active_services",
			Help:      "Number of services currently in the ACTIVE state.",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depman",
			Name:      "events_dispatched_total",
			Help:      "Total events dispatched, by type tag.",
		}, []string{"type"}),
		CascadeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "depman",
			Name:      "cascade_duration_seconds",
			Help:      "Duration of online/offline cascades triggered by one event.",
		}),
	}

	reg.MustRegister(m.QueueDepth, m.ActiveServices, m.EventsDispatched, m.CascadeDuration)
	return m
}
