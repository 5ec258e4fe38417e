package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the monitoring core exports. It is
// created once per process and passed to components explicitly; no
// global registry is touched.
type Metrics struct {
	registry *prometheus.Registry

	// Scheduler
	TicksTotal        prometheus.Counter
	TickDuration      prometheus.Histogram
	DispatchesTotal   *prometheus.CounterVec
	DedupHitsTotal    prometheus.Counter
	ScheduledServices prometheus.Gauge

	// Heartbeats
	HeartbeatsTotal *prometheus.CounterVec
	ActiveWorkers   prometheus.Gauge

	// Result pipeline
	ResultsTotal   *prometheus.CounterVec
	OpenIncidents  prometheus.Gauge
	SSESubscribers prometheus.Gauge

	// Registration
	RegistrationsTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nestwatch_scheduler_ticks_total",
		Help: "Total number of scheduler ticks",
	})
	m.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nestwatch_scheduler_tick_duration_seconds",
		Help:    "Scheduler tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
	m.DispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestwatch_scheduler_dispatches_total",
		Help: "Total probe dispatches by outcome",
	}, []string{"outcome"}) // published, failed, skipped
	m.DedupHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nestwatch_scheduler_dedup_hits_total",
		Help: "Probe dispatches collapsed by the dedup cache",
	})
	m.ScheduledServices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nestwatch_scheduler_services",
		Help: "Number of services currently scheduled",
	})

	m.HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestwatch_heartbeats_total",
		Help: "Worker heartbeats by verification outcome",
	}, []string{"outcome"}) // accepted, rejected
	m.ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nestwatch_active_workers",
		Help: "Workers seen within the heartbeat timeout",
	})

	m.ResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestwatch_results_total",
		Help: "Probe results consumed by status",
	}, []string{"status"})
	m.OpenIncidents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nestwatch_open_incidents",
		Help: "Currently open incidents",
	})
	m.SSESubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nestwatch_sse_subscribers",
		Help: "Connected live-update subscribers",
	})

	m.RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestwatch_worker_registrations_total",
		Help: "Worker registration requests by outcome",
	}, []string{"outcome"}) // accepted, duplicate, rate_limited, rejected

	m.registry.MustRegister(
		m.TicksTotal, m.TickDuration, m.DispatchesTotal, m.DedupHitsTotal,
		m.ScheduledServices, m.HeartbeatsTotal, m.ActiveWorkers,
		m.ResultsTotal, m.OpenIncidents, m.SSESubscribers,
		m.RegistrationsTotal,
	)
	return m
}

// Handler returns the Prometheus exposition handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
