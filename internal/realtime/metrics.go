package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime collectors. A nil registerer yields unregistered collectors.
type Metrics struct {
	Connections       prometheus.Gauge
	EventsReceived    *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	DeliveriesDropped *prometheus.CounterVec
	MutationsRejected *prometheus.CounterVec
	RelayFailures     prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "notesync",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Current number of live realtime connections",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "realtime",
			Name:      "events_received_total",
			Help:      "Total number of client frames received by event kind",
		}, []string{"event"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "realtime",
			Name:      "events_published_total",
			Help:      "Total number of publications by event kind and origin",
		}, []string{"event", "origin"}), // origin: local, relay
		DeliveriesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "realtime",
			Name:      "deliveries_dropped_total",
			Help:      "Total number of frames dropped because a connection queue was full or closed",
		}, []string{"event"}),
		MutationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "realtime",
			Name:      "mutations_rejected_total",
			Help:      "Total number of client frames rejected by event kind and code",
		}, []string{"event", "code"}),
		RelayFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "realtime",
			Name:      "relay_failures_total",
			Help:      "Total number of relay subscriptions that ended with an error",
		}),
	}
}
