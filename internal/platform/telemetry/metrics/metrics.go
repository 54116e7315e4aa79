package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for routed events.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
)

// Surface labels for deliveries.
const (
	SurfaceRoom = "room"
	SurfaceUser = "user"
)

// Metrics holds the chat relay collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	events       *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	connections  prometheus.Gauge
}

// New builds a Metrics set registered on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_events_total",
				Help: "Total chat events routed, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_deliveries_total",
				Help: "Total messages handed to the fan-out backbone",
			},
			[]string{"surface"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_store_latency_seconds",
				Help:    "Backing store operation latency",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"operation"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chat_connections_active",
				Help: "Live websocket connections",
			},
		),
	}
	registry.MustRegister(
		m.events,
		m.deliveries,
		m.storeLatency,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent counts one routed event.
func (m *Metrics) ObserveEvent(kind string, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

// ObserveDelivery counts one message handed to the backbone.
func (m *Metrics) ObserveDelivery(surface string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(surface).Inc()
}

// ObserveStore records the latency of one store operation started at start.
func (m *Metrics) ObserveStore(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.storeLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
