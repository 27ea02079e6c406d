// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	polls           *prometheus.CounterVec
	reports         *prometheus.CounterVec
	connectFailures prometheus.Counter
	consecutive     prometheus.Gauge
	connected       prometheus.Gauge
	sleepRequests   prometheus.Counter
	discovered      prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdgw_polls_total",
			Help: "Completed adapter requests by entry and status.",
		}, []string{"entry", "status"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdgw_reports_total",
			Help: "Emitted reports by result.",
		}, []string{"result"}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdgw_connect_failures_total",
			Help: "Failed adapter connects since boot.",
		}),
		consecutive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obdgw_connect_consecutive_failures",
			Help: "Current consecutive connect failure count.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obdgw_adapter_connected",
			Help: "1 while an adapter session is established.",
		}),
		sleepRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obdgw_sleep_requests_total",
			Help: "Sleep requests raised.",
		}),
		discovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obdgw_discovered_devices",
			Help: "Peers known from discovery scans.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obdgw_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obdgw_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls,
		m.reports,
		m.connectFailures,
		m.consecutive,
		m.connected,
		m.sleepRequests,
		m.discovered,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Poll(entry, status string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(entry, status).Inc()
}

func (m *Metrics) Report(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.reports.WithLabelValues("ok").Inc()
	} else {
		m.reports.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) ConnectFailed(consecutive int) {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
	m.consecutive.Set(float64(consecutive))
	m.connected.Set(0)
}

func (m *Metrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.consecutive.Set(0)
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) SleepRequested() {
	if m == nil {
		return
	}
	m.sleepRequests.Inc()
}

func (m *Metrics) Discovered(n int) {
	if m == nil {
		return
	}
	m.discovered.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
