package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Allocation metrics
	Allocations        *prometheus.CounterVec
	AllocationDuration *prometheus.HistogramVec
	WarmClaims         prometheus.Counter
	ColdClaims         prometheus.Counter
	CapacityRejections prometheus.Counter
	Rollbacks          prometheus.Counter

	// Pool metrics
	SandboxesRunning *prometheus.GaugeVec
	SandboxesStandby *prometheus.GaugeVec

	// Runtime backend metrics
	BackendCalls    *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec

	// Proxy metrics
	ProxyRequests *prometheus.CounterVec

	// Sweeper metrics
	LeasesReclaimed prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector registered with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a metrics collector against an explicit registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		Allocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_allocations_total",
				Help: "Total sandbox allocations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		AllocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_allocation_duration_seconds",
				Help:    "Sandbox allocation duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		WarmClaims: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_warm_claims_total",
				Help: "Claims satisfied from the standby pool",
			},
		),
		ColdClaims: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_cold_claims_total",
				Help: "Claims that fell back to cold-path creation",
			},
		),
		CapacityRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_capacity_rejections_total",
				Help: "Allocations rejected by admission control",
			},
		),
		Rollbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_rollbacks_total",
				Help: "Sandboxes deleted by the post-creation cap re-check",
			},
		),

		SandboxesRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandboxd_sandboxes_running",
				Help: "Running sandboxes by kind",
			},
			[]string{"kind"},
		),
		SandboxesStandby: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandboxd_sandboxes_standby",
				Help: "Idle standby sandboxes by kind",
			},
			[]string{"kind"},
		),

		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_backend_calls_total",
				Help: "Runtime backend operations by name and status",
			},
			[]string{"op", "status"},
		),
		BackendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxd_backend_duration_seconds",
				Help:    "Runtime backend operation duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"op"},
		),

		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxd_proxy_requests_total",
				Help: "Control-protocol proxy requests by status class",
			},
			[]string{"status"},
		),

		LeasesReclaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sandboxd_stale_leases_reclaimed_total",
				Help: "Sandboxes reclaimed by the stale-lease sweep",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxd_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAllocation records an allocation attempt and its outcome
func (m *Metrics) RecordAllocation(kind, outcome string, duration time.Duration) {
	m.Allocations.WithLabelValues(kind, outcome).Inc()
	m.AllocationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordBackendCall records a runtime backend operation
func (m *Metrics) RecordBackendCall(op, status string, duration time.Duration) {
	m.BackendCalls.WithLabelValues(op, status).Inc()
	m.BackendDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetPoolGauges updates the running/standby pool gauges for a kind
func (m *Metrics) SetPoolGauges(kind string, running, standby int) {
	m.SandboxesRunning.WithLabelValues(kind).Set(float64(running))
	m.SandboxesStandby.WithLabelValues(kind).Set(float64(standby))
}
