// Package telemetry exposes Prometheus metrics for the lab desk: HTTP server
// metrics, parameter load outcomes, stale-load discards, submit outcomes and
// the number of open form sessions.
//
// A nil *Metrics is valid and records nothing, so engine components can be
// constructed without a registry in tests.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics owns a private registry and every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	loads        *prometheus.CounterVec
	loadDuration prometheus.Histogram
	staleLoads   prometheus.Counter

	submits        *prometheus.CounterVec
	submitDuration prometheus.Histogram

	sessions prometheus.Gauge
}

// New creates the collectors under namespace and registers them, together
// with the Go runtime and process collectors, on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "labdesk"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "HTTP requests currently being served.",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "parameter_loads_total",
			Help:      "Parameter definition fetches by outcome.",
		}, []string{"outcome"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "parameter_load_duration_seconds",
			Help:      "Latency of parameter definition fetches.",
			Buckets:   defaultDurationBuckets,
		}),
		staleLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "stale_loads_total",
			Help:      "Parameter loads discarded because their selection changed in flight.",
		}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "result",
			Name:      "submits_total",
			Help:      "Result submissions by outcome and failed step.",
		}, []string{"outcome", "step"}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "result",
			Name:      "submit_duration_seconds",
			Help:      "Latency of the full submit sequence.",
			Buckets:   defaultDurationBuckets,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open",
			Help:      "Form sessions currently open.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.httpActive,
		m.loads, m.loadDuration, m.staleLoads,
		m.submits, m.submitDuration,
		m.sessions,
	)
	return m
}


// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}

// Middleware records request count, latency and in-flight requests. Routes
// are labelled by their pattern, not the concrete path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpActive.Inc()
			start := time.Now()

			err := next(c)

			m.httpActive.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ObserveLoad records one parameter fetch.
func (m *Metrics) ObserveLoad(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.loads.WithLabelValues(outcome).Inc()
	m.loadDuration.Observe(d.Seconds())
}

// StaleLoad counts a discarded parameter load.
func (m *Metrics) StaleLoad() {
	if m == nil {
		return
	}
	m.staleLoads.Inc()
}

// ObserveSubmit records one submission. step is empty unless a store step
// failed.
func (m *Metrics) ObserveSubmit(d time.Duration, outcome, step string) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(outcome, step).Inc()
	m.submitDuration.Observe(d.Seconds())
}

// SessionOpened and SessionClosed track the open-session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
