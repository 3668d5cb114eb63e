// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives session observability events. Implementations must be safe
// for concurrent use, since many sessions share one collector.
type Metrics interface {
	// SessionState records a transition into state for protocol.
	SessionState(protocol Protocol, from, to State)

	// BytesReceived counts transport bytes read from the endpoint.
	BytesReceived(protocol Protocol, n int)

	// BytesSent counts transport bytes written to the endpoint.
	BytesSent(protocol Protocol, n int)

	// TileDecoded counts one decoded rectangle of the named encoding.
	TileDecoded(encoding string)

	// AuthFailure counts a session lost to an authentication failure.
	AuthFailure()

	// CapacityWarning counts an oversized framebuffer diagnostic.
	CapacityWarning()
}

// NoOpMetrics is a Metrics implementation that discards everything.
type NoOpMetrics struct{}

func (NoOpMetrics) SessionState(Protocol, State, State) {}
func (NoOpMetrics) BytesReceived(Protocol, int)         {}
func (NoOpMetrics) BytesSent(Protocol, int)             {}
func (NoOpMetrics) TileDecoded(string)                  {}
func (NoOpMetrics) AuthFailure()                        {}
func (NoOpMetrics) CapacityWarning()                    {}

// PrometheusConfig configures PrometheusMetrics.
type PrometheusConfig struct {
	// Namespace is the metrics namespace (default: "kvmredir").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the registerer to use (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// PrometheusMetrics exports session metrics through client_golang.
type PrometheusMetrics struct {
	activeSessions   *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	tilesDecoded     *prometheus.CounterVec
	authFailures     prometheus.Counter
	capacityWarnings prometheus.Counter
}

// NewPrometheusMetrics registers the session collectors with cfg.Registry.
// Registering twice against the same registry panics, as with promauto.
func NewPrometheusMetrics(cfg PrometheusConfig) *PrometheusMetrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "kvmredir"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &PrometheusMetrics{
		activeSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "sessions",
			Help:        "Redirection sessions currently in each state",
			ConstLabels: cfg.ConstLabels,
		}, []string{"protocol", "state"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "state_transitions_total",
			Help:        "Session state transitions",
			ConstLabels: cfg.ConstLabels,
		}, []string{"protocol", "state"}),

		bytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "received_bytes_total",
			Help:        "Bytes read from management endpoints",
			ConstLabels: cfg.ConstLabels,
		}, []string{"protocol"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "sent_bytes_total",
			Help:        "Bytes written to management endpoints",
			ConstLabels: cfg.ConstLabels,
		}, []string{"protocol"}),

		tilesDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "tiles_decoded_total",
			Help:        "Framebuffer rectangles decoded by encoding",
			ConstLabels: cfg.ConstLabels,
		}, []string{"encoding"}),

		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "auth_failures_total",
			Help:        "Sessions stopped by authentication failures",
			ConstLabels: cfg.ConstLabels,
		}),

		capacityWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "capacity_warnings_total",
			Help:        "Framebuffers reported above the size ceiling",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// SessionState moves one session from the from gauge to the to gauge.
func (m *PrometheusMetrics) SessionState(protocol Protocol, from, to State) {
	p := protocol.String()
	if from != StateIdle && from != StateClosed {
		m.activeSessions.WithLabelValues(p, from.String()).Dec()
	}
	if to != StateClosed {
		m.activeSessions.WithLabelValues(p, to.String()).Inc()
	}
	m.transitions.WithLabelValues(p, to.String()).Inc()
}

func (m *PrometheusMetrics) BytesReceived(protocol Protocol, n int) {
	m.bytesReceived.WithLabelValues(protocol.String()).Add(float64(n))
}

func (m *PrometheusMetrics) BytesSent(protocol Protocol, n int) {
	m.bytesSent.WithLabelValues(protocol.String()).Add(float64(n))
}

func (m *PrometheusMetrics) TileDecoded(encoding string) {
	m.tilesDecoded.WithLabelValues(encoding).Inc()
}

func (m *PrometheusMetrics) AuthFailure() { m.authFailures.Inc() }

func (m *PrometheusMetrics) CapacityWarning() { m.capacityWarnings.Inc() }
