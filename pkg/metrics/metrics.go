// Package metrics provides Prometheus instrumentation for the device
// client. All methods are nil-safe so instrumentation can be left
// unconfigured on constrained hosts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus metrics.
type Metrics struct {
	// Session metrics
	Connects   prometheus.Counter
	Reconnects *prometheus.CounterVec
	Pings      prometheus.Counter

	// Multiplexer metrics
	Retransmits prometheus.Counter

	// Transfer metrics
	ChunksReceived prometheus.Counter
	ChunksSent     prometheus.Counter

	// Event metrics
	EventsPublished *prometheus.CounterVec
}

// New creates a Metrics instance registered with the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "iotready_device"
	}

	return &Metrics{
		Connects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total number of completed session establishments",
		}),
		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnects by transport error kind",
		}, []string{"kind"}),
		Pings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Total number of keepalive pings sent",
		}),
		Retransmits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total number of confirmable messages that exhausted their retransmissions",
		}),
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total number of valid transfer chunks received",
		}),
		ChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Total number of transfer chunks sent",
		}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published by confirmability",
		}, []string{"confirmable"}),
	}
}

// IncConnects increments the connect counter.
func (m *Metrics) IncConnects() {
	if m != nil {
		m.Connects.Inc()
	}
}

// IncReconnects increments the reconnect counter for an error kind.
func (m *Metrics) IncReconnects(kind string) {
	if m != nil {
		m.Reconnects.WithLabelValues(kind).Inc()
	}
}

// IncPings increments the ping counter.
func (m *Metrics) IncPings() {
	if m != nil {
		m.Pings.Inc()
	}
}

// IncRetransmits counts one confirmable message that went unacknowledged
// through all its transmission attempts. Individual retransmissions are
// not counted.
func (m *Metrics) IncRetransmits() {
	if m != nil {
		m.Retransmits.Inc()
	}
}

// IncChunksReceived increments the received-chunk counter.
func (m *Metrics) IncChunksReceived() {
	if m != nil {
		m.ChunksReceived.Inc()
	}
}

// IncChunksSent increments the sent-chunk counter.
func (m *Metrics) IncChunksSent() {
	if m != nil {
		m.ChunksSent.Inc()
	}
}

// IncEventsPublished increments the publish counter.
func (m *Metrics) IncEventsPublished(confirmable bool) {
	if m != nil {
		label := "false"
		if confirmable {
			label = "true"
		}
		m.EventsPublished.WithLabelValues(label).Inc()
	}
}
