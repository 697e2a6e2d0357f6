// Package metrics exposes Prometheus instrumentation for connections,
// channels and event traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pondchat"

// Join results recorded by RecordJoin.
const (
	JoinAccepted = "accepted"
	JoinRejected = "rejected"
)

// Metrics holds the collectors and the registry they are registered in.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ChannelsActive    prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	EventsDelivered   prometheus.Counter
	JoinsTotal        *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "active",
				Help:      "Number of open WebSocket connections",
			},
		),

		ChannelsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "channels",
				Name:      "active",
				Help:      "Number of live channels",
			},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of client messages received",
			},
			[]string{"action"},
		),

		EventsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "delivered_total",
				Help:      "Total number of events queued to connections",
			},
		),

		JoinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "joins",
				Name:      "total",
				Help:      "Total number of channel join requests",
			},
			[]string{"result"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors reported to clients",
			},
			[]string{"type"},
		),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ChannelsActive,
		m.MessagesReceived,
		m.EventsDelivered,
		m.JoinsTotal,
		m.ErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordConnectionOpened increments the open connection gauge
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordChannelCreated increments the live channel gauge
func (m *Metrics) RecordChannelCreated() {
	if m == nil {
		return
	}
	m.ChannelsActive.Inc()
}

// RecordChannelDestroyed decrements the live channel gauge
func (m *Metrics) RecordChannelDestroyed() {
	if m == nil {
		return
	}
	m.ChannelsActive.Dec()
}

// RecordMessageReceived counts an inbound client message by action
func (m *Metrics) RecordMessageReceived(action string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(action).Inc()
}

// RecordEventDelivered counts an event queued to a connection
func (m *Metrics) RecordEventDelivered() {
	if m == nil {
		return
	}
	m.EventsDelivered.Inc()
}

// RecordJoin counts a join request by result
func (m *Metrics) RecordJoin(result string) {
	if m == nil {
		return
	}
	m.JoinsTotal.WithLabelValues(result).Inc()
}

// RecordError counts an error reported to a client
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
