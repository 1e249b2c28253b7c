// Package metrics holds the Prometheus collectors for the provisioner.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stack_provisioner"

// Metrics holds all Prometheus metrics for the provisioner.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	ReconcilesTotal   *prometheus.CounterVec
	ActivePolls       prometheus.Gauge
	PlatformRequests  *prometheus.CounterVec
	PlatformLatency   *prometheus.HistogramVec
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Total number of stack lifecycle operations by operation and result.",
		}, []string{"operation", "result"}), // result: success, error
		ReconcilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "polls_total",
			Help:      "Total number of finished reconciliation polls by outcome.",
		}, []string{"outcome"}), // outcome: running, error, timeout, cancelled, gone
		ActivePolls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "active_polls",
			Help:      "Number of reconciliation polls currently running.",
		}),
		PlatformRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "platform",
			Name:      "requests_total",
			Help:      "Total number of hosting platform API calls by operation and HTTP status (0 on transport failure).",
		}, []string{"operation", "code"}),
		PlatformLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "platform",
			Name:      "request_duration_seconds",
			Help:      "Latency of hosting platform API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of REST API requests by method and status.",
		}, []string{"method", "code"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveOperation counts a lifecycle operation.
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
}

// PollStarted marks a reconciliation poll as running.
func (m *Metrics) PollStarted() {
	if m == nil {
		return
	}
	m.ActivePolls.Inc()
}

// PollFinished records the end of a reconciliation poll.
func (m *Metrics) PollFinished(outcome string) {
	if m == nil {
		return
	}
	m.ActivePolls.Dec()
	m.ReconcilesTotal.WithLabelValues(outcome).Inc()
}

// ObservePlatformRequest records one hosting platform call.
func (m *Metrics) ObservePlatformRequest(operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PlatformRequests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.PlatformLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records one REST API request.
func (m *Metrics) ObserveHTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
