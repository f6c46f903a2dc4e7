// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for v4proxy.
//
// All methods are safe to call on a nil *Metrics, so instrumentation can be
// left in place when metrics are disabled.
package metrics

import (
	"strconv"
	"time"

	"github.com/absmach/v4proxy/pkg/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection outcome label values.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Metrics holds all Prometheus metrics for v4proxy.
type Metrics struct {
	// Connection and session metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	BytesTotal         *prometheus.CounterVec

	// Upstream metrics
	ConnectErrors *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Engine metrics
	EngineUp *prometheus.GaugeVec
}

// New creates a new Metrics instance registered with reg. A nil reg uses
// the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "v4proxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently established TCP connections and UDP sessions",
			},
			[]string{"protocol", "port"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of TCP connections and UDP sessions by outcome",
			},
			[]string{"protocol", "port", "status"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection and session lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol", "port"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of payload bytes forwarded",
			},
			[]string{"protocol", "port", "direction"},
		),
		ConnectErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_connect_errors_total",
				Help:      "Total number of failed upstream connects",
			},
			[]string{"protocol", "port"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited connections and sessions",
			},
			[]string{"protocol", "port"},
		),
		EngineUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_up",
				Help:      "Whether the engine for a mapping is bound and serving (1) or not (0)",
			},
			[]string{"protocol", "port"},
		),
	}
}

func portLabel(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}

// ConnectionOpened records an established connection or session.
func (m *Metrics) ConnectionOpened(protocol string, port uint16) {
	if m == nil {
		return
	}
	p := portLabel(port)
	m.ActiveConnections.WithLabelValues(protocol, p).Inc()
	m.TotalConnections.WithLabelValues(protocol, p, StatusAccepted).Inc()
}

// ConnectionClosed records the end of a connection or session. established
// tells whether ConnectionOpened was recorded for it.
func (m *Metrics) ConnectionClosed(protocol string, port uint16, established bool, d time.Duration, up, down uint64) {
	if m == nil {
		return
	}
	p := portLabel(port)
	if established {
		m.ActiveConnections.WithLabelValues(protocol, p).Dec()
		m.ConnectionDuration.WithLabelValues(protocol, p).Observe(d.Seconds())
	}
	m.BytesTotal.WithLabelValues(protocol, p, "upstream").Add(float64(up))
	m.BytesTotal.WithLabelValues(protocol, p, "downstream").Add(float64(down))
}

// ConnectFailed records a failed upstream connect.
func (m *Metrics) ConnectFailed(protocol string, port uint16) {
	if m == nil {
		return
	}
	p := portLabel(port)
	m.ConnectErrors.WithLabelValues(protocol, p).Inc()
	m.TotalConnections.WithLabelValues(protocol, p, StatusFailed).Inc()
}

// RateLimited records a client refused by the rate limiter.
func (m *Metrics) RateLimited(protocol string, port uint16) {
	if m == nil {
		return
	}
	p := portLabel(port)
	m.RateLimitedRequests.WithLabelValues(protocol, p).Inc()
	m.TotalConnections.WithLabelValues(protocol, p, StatusRejected).Inc()
}

// BreakerStateChanged records a circuit breaker transition for backend.
func (m *Metrics) BreakerStateChanged(backend string, from, to breaker.State) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(to))
	if to == breaker.StateOpen && from != breaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}

// SetEngineUp records whether the engine for a mapping is serving.
func (m *Metrics) SetEngineUp(protocol string, port uint16, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.EngineUp.WithLabelValues(protocol, portLabel(port)).Set(v)
}
