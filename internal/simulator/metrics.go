// ABOUTME: Prometheus instruments for the simulator on a private registry
// ABOUTME: Tracks open connections, claim outcomes, stored messages and room broadcasts

package simulator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the simulator's instruments. Each Server gets its own
// registry so tests can run several servers in one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	Claims      *prometheus.CounterVec
	Messages    *prometheus.CounterVec
	Broadcasts  *prometheus.CounterVec
}

// NewMetrics creates and registers the instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inbox",
			Subsystem: "sim",
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		Claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inbox",
				Subsystem: "sim",
				Name:      "claims_total",
				Help:      "Claim commands by outcome",
			},
			[]string{"outcome"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inbox",
				Subsystem: "sim",
				Name:      "messages_total",
				Help:      "Stored chat messages by sender type",
			},
			[]string{"sender_type"},
		),
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inbox",
				Subsystem: "sim",
				Name:      "broadcasts_total",
				Help:      "Room broadcasts by event type",
			},
			[]string{"event_type"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.Connections,
		m.Claims,
		m.Messages,
		m.Broadcasts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
