// Package metrics holds the prometheus collectors shared by circuits, the connection manager and the relay.
// A single Metrics may be handed to any number of circuits; their counters aggregate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector name.
const Namespace = "lludp"

// Label values for direction labels.
const (
	Incoming = "incoming" // sim -> client
	Outgoing = "outgoing" // client -> sim
)

// Metrics holds every collector.
type Metrics struct {
	// circuit
	PacketsSent      *prometheus.CounterVec // reliability
	PacketsReceived  prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	Resends          prometheus.Counter
	Duplicates       prometheus.Counter
	Dropped          *prometheus.CounterVec // reason
	AcksSent         prometheus.Counter
	AckCeilingHits   prometheus.Counter
	HandlerPanics    prometheus.Counter
	CircuitsOpen     prometheus.Gauge
	CircuitsClosed   *prometheus.CounterVec // reason
	HandshakeSeconds prometheus.Histogram

	// relay
	RelayForwarded *prometheus.CounterVec // direction
	RelayInjected  *prometheus.CounterVec // direction
	RelayDropped   *prometheus.CounterVec // direction
	RelayResends   prometheus.Counter
	RelaySessions  prometheus.Gauge

	reg prometheus.Registerer
}

// New registers every collector with reg.
// A nil reg gets a private registry, so callers that do not export metrics never collide on registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "packets_sent_total",
			Help: "Datagrams written to peers, excluding resends",
		}, []string{"reliable"}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "packets_received_total",
			Help: "Datagrams read from peers",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "bytes_sent_total",
			Help: "Bytes written to peers, including resends",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "bytes_received_total",
			Help: "Bytes read from peers",
		}),
		Resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "resends_total",
			Help: "Reliable packets resent after the resend timeout",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "duplicates_total",
			Help: "Reliable packets received more than once",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "dropped_total",
			Help: "Inbound datagrams discarded before dispatch",
		}, []string{"reason"}),
		AcksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "acks_sent_total",
			Help: "Sequence numbers acknowledged, appended or standalone",
		}),
		AckCeilingHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "ack_ceiling_hits_total",
			Help: "Times the pending ACK set reached its ceiling and was force flushed",
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "handler_panics_total",
			Help: "Message handlers that panicked during dispatch",
		}),
		CircuitsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "open",
			Help: "Circuits not yet disconnected",
		}),
		CircuitsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name: "closed_total",
			Help: "Circuits disconnected, by reason",
		}, []string{"reason"}),
		HandshakeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "circuit",
			Name:    "handshake_seconds",
			Help:    "Time from sending the circuit code to the first inbound datagram",
			Buckets: prometheus.DefBuckets,
		}),
		RelayForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "relay",
			Name: "forwarded_total",
			Help: "Packets passed through the relay",
		}, []string{"direction"}),
		RelayInjected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "relay",
			Name: "injected_total",
			Help: "Packets synthesized by the relay",
		}, []string{"direction"}),
		RelayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "relay",
			Name: "dropped_total",
			Help: "Packets dropped by interceptors",
		}, []string{"direction"}),
		RelayResends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "relay",
			Name: "resends_total",
			Help: "Injected reliable packets resent while awaiting an ACK",
		}),
		RelaySessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "relay",
			Name: "sessions",
			Help: "Relayed circuits currently tracked",
		}),
	}
}

// Registerer returns the registerer the collectors were registered with.
func (m *Metrics) Registerer() prometheus.Registerer { return m.reg }

// Gatherer returns the registry as a gatherer if it is one (true for registries built by New(nil) or prometheus.NewRegistry).
func (m *Metrics) Gatherer() (prometheus.Gatherer, bool) {
	g, ok := m.reg.(prometheus.Gatherer)
	return g, ok
}
