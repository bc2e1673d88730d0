package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates server-side counters. A nil *Metrics disables
// collection, every method is nil-safe.
type Metrics struct {
	connections   prometheus.Gauge
	dispatched    *prometheus.CounterVec
	outboxStored  prometheus.Counter
	outboxFlushed prometheus.Counter
	roomEmits     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wirebus",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Currently open websocket connections.",
		}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirebus",
			Subsystem: "server",
			Name:      "dispatched_total",
			Help:      "Dispatched requests by outcome.",
		}, []string{"outcome"}),
		outboxStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wirebus",
			Subsystem: "server",
			Name:      "outbox_stored_total",
			Help:      "Messages stored for empty rooms.",
		}),
		outboxFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wirebus",
			Subsystem: "server",
			Name:      "outbox_flushed_total",
			Help:      "Stored messages flushed to joining sessions.",
		}),
		roomEmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wirebus",
			Subsystem: "server",
			Name:      "room_emits_total",
			Help:      "Messages emitted directly to populated rooms.",
		}),
	}
}

func (m *Metrics) connOpen() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClose() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) dispatch(outcome string) {
	if m != nil {
		m.dispatched.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) outboxStore() {
	if m != nil {
		m.outboxStored.Inc()
	}
}

func (m *Metrics) outboxFlush(n int) {
	if m != nil {
		m.outboxFlushed.Add(float64(n))
	}
}

func (m *Metrics) roomEmit() {
	if m != nil {
		m.roomEmits.Inc()
	}
}
