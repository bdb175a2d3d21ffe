// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// appointment lifecycle and the signaling relay. A nil *Metrics is valid and
// records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teleconsult"

type Metrics struct {
	gatherer prometheus.Gatherer

	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge
	appointments *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	joins        *prometheus.CounterVec
	relayed      *prometheus.CounterVec
	activeRooms  prometheus.Gauge
	connections  prometheus.Gauge
}

// New registers the metric set on reg. A nil reg uses a fresh registry so
// tests and multiple servers in one process never collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "HTTP requests currently being served.",
		}),
		appointments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "create_total",
			Help:      "Appointment create attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transition_total",
			Help:      "Appointment transition attempts by target status and outcome.",
		}, []string{"target", "outcome"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "join_total",
			Help:      "Room join attempts by outcome.",
		}, []string{"outcome"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "messages_total",
			Help:      "Signaling messages by type and outcome (delivered, dropped, rejected).",
		}, []string{"type", "outcome"}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "active_rooms",
			Help:      "Rooms with at least one admitted participant.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "connections",
			Help:      "Open signaling connections.",
		}),
	}
	reg.MustRegister(m.httpDuration, m.httpActive, m.appointments, m.transitions,
		m.joins, m.relayed, m.activeRooms, m.connections)
	return m
}

func (m *Metrics) ObserveCreate(outcome string) {
	if m == nil {
		return
	}
	m.appointments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(target, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) ObserveJoin(outcome string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRelay(msgType, outcome string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// MetricsMiddleware records request latency labelled by the matched route.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpActive.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			m.httpActive.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.httpDuration.WithLabelValues(c.Request().Method, route, status).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error {
			return c.NoContent(http.StatusNotFound)
		}
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
