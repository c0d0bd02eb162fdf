package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics is owned by one chatServer so tests get a clean registry.
type serverMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	backend  *prometheus.HistogramVec
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whosapp_requests_total",
			Help: "Chat requests by endpoint and terminal outcome.",
		}, []string{"endpoint", "outcome"}),
		backend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whosapp_backend_duration_seconds",
			Help:    "Latency of calls to the analysis backend.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.backend,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *serverMetrics) countRequest(endpoint string, o outcome) {
	m.requests.WithLabelValues(endpoint, o.String()).Inc()
}

// observeBackend records one relay call; result is "ok" or the failure kind.
func (m *serverMetrics) observeBackend(result string, elapsed time.Duration) {
	m.backend.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
