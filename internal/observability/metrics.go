package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector owns the Prometheus registry and the gateway-level
// metrics. Uses a custom registry — no global state. Subsystem metrics
// (sandbox lifecycle, pools, egress) register themselves against the
// Registry when their components are constructed.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Policy metrics.
	PolicyChecksTotal *prometheus.CounterVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with the gateway metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		PolicyChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "policy",
			Name:      "checks_total",
			Help:      "Total policy checks performed.",
		}, []string{"action", "result"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "enclave",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PolicyChecksTotal,
		m.ActiveRequests,
	)

	return m
}

// Registerer returns the registry as a Registerer, or nil when metrics
// are disabled, which subsystem constructors treat as "do not register".
func (m *MetricsCollector) Registerer() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.Registry
}
