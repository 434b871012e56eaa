package erpsync

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "erp_sync"

// Metrics exposes sync and ERP transport metrics. A nil *Metrics is a no-op.
type Metrics struct {
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	items         *prometheus.CounterVec
	activeRuns    *prometheus.GaugeVec

	erpRequests        *prometheus.CounterVec
	erpRequestDuration *prometheus.HistogramVec
	erpLogins          *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_completed_total",
				Help:      "Sync runs by family, kind and final status",
			},
			[]string{"family", "kind", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of sync runs in seconds",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"family", "kind"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "items_total",
				Help:      "Processed items by family and outcome (created, updated, skipped, error)",
			},
			[]string{"family", "outcome"},
		),
		activeRuns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_runs",
				Help:      "Runs currently in progress",
			},
			[]string{"family"},
		),
		erpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "erp_requests_total",
				Help:      "ERP API requests by resource and HTTP status (0 for transport failures)",
			},
			[]string{"method", "resource", "status"},
		),
		erpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "erp_request_duration_seconds",
				Help:      "ERP API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
		erpLogins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "erp_logins_total",
				Help:      "ERP login attempts that ended in success or failure",
			},
			[]string{"result"},
		),
	}
	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.items,
		m.activeRuns,
		m.erpRequests,
		m.erpRequestDuration,
		m.erpLogins,
	)
	return m
}

func (m *Metrics) RunStarted(family string) {
	if m == nil {
		return
	}
	m.activeRuns.WithLabelValues(family).Inc()
}

func (m *Metrics) RunFinished(family string, kind string, status string, stats Stats, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.WithLabelValues(family).Dec()
	m.runsCompleted.WithLabelValues(family, kind, status).Inc()
	m.runDuration.WithLabelValues(family, kind).Observe(duration.Seconds())
	m.items.WithLabelValues(family, "created").Add(float64(stats.Created))
	m.items.WithLabelValues(family, "updated").Add(float64(stats.Updated))
	m.items.WithLabelValues(family, "skipped").Add(float64(stats.Skipped))
	m.items.WithLabelValues(family, "error").Add(float64(stats.Errors))
}

// ObserveRequest implements erp.RequestObserver.
func (m *Metrics) ObserveRequest(method string, resource string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.erpRequests.WithLabelValues(method, resource, strconv.Itoa(status)).Inc()
	m.erpRequestDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

// ObserveLogin implements erp.RequestObserver.
func (m *Metrics) ObserveLogin(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.erpLogins.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
