package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for outreach
type Metrics struct {
	// Dispatch counters
	SendsTotal                   *prometheus.CounterVec
	SkipsTotal                   *prometheus.CounterVec
	DeferredTotal                *prometheus.CounterVec
	CredentialDeactivationsTotal prometheus.Counter
	TickDurationSeconds          prometheus.Histogram

	// Queue gauges
	QueueSize     prometheus.Gauge
	QueueActive   prometheus.Gauge
	QueueDeferred prometheus.Gauge
	DLQSize       prometheus.Gauge

	// Credential gauges
	CredentialsActive prometheus.Gauge
	QuotaRemaining    prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_sends_total",
				Help: "Total number of send attempts by ledger status",
			},
			[]string{"status"},
		),
		SkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_skips_total",
				Help: "Total number of recipients or jobs skipped by reason",
			},
			[]string{"reason"},
		),
		DeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_jobs_deferred_total",
				Help: "Total number of send jobs deferred by reason",
			},
			[]string{"reason"},
		),
		CredentialDeactivationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_credential_deactivations_total",
				Help: "Total number of credentials deactivated by the health sweep",
			},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_dispatch_tick_duration_seconds",
				Help:    "Dispatch tick duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_size",
				Help: "Number of pending and deferred send jobs",
			},
		),
		QueueActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_active",
				Help: "Number of send jobs currently being processed",
			},
		),
		QueueDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_queue_deferred",
				Help: "Number of send jobs waiting for a retry or the next window",
			},
		),
		DLQSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_dlq_size",
				Help: "Number of send jobs in the dead-letter queue",
			},
		),

		CredentialsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_credentials_active",
				Help: "Number of active sending credentials",
			},
		),
		QuotaRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_quota_remaining",
				Help: "Unused daily quota across active credentials",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_storage_used_bytes",
				Help: "Queue database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SkipsTotal,
		m.DeferredTotal,
		m.CredentialDeactivationsTotal,
		m.TickDurationSeconds,
		m.QueueSize,
		m.QueueActive,
		m.QueueDeferred,
		m.DLQSize,
		m.CredentialsActive,
		m.QuotaRemaining,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
