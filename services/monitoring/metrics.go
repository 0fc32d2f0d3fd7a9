package monitoring

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"backtest-dashboard/services/engine"
)

const namespace = "dashboard"

// ErrRateLimited is counted under its own code rather than INTERNAL.
var ErrRateLimited = errors.New("rate limited")

// Metrics is the service's collector set on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	triggers      *prometheus.CounterVec
	recompute     *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	requests      *prometheus.CounterVec
	seriesLoaded  *prometheus.GaugeVec
	sessionsLive  prometheus.Gauge
	datasetIssues prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_triggers_total",
			Help:      "View triggers handled, by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		recompute: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "view_recompute_seconds",
			Help:      "Slice, resample and render latency per trigger.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"trigger"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors returned to clients, by error code.",
		}, []string{"code"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status.",
		}, []string{"route", "status"}),
		seriesLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_loaded",
			Help:      "Series held by the store, by kind.",
		}, []string{"kind"}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Open view sessions.",
		}),
		datasetIssues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dataset_issues",
			Help:      "Non-fatal validation findings at load.",
		}),
	}
	reg.MustRegister(
		m.triggers, m.recompute, m.errors, m.requests, m.seriesLoaded, m.sessionsLive, m.datasetIssues,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTrigger records one view trigger. Failures also count under their code.
func (m *Metrics) ObserveTrigger(trigger string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.ObserveError(err)
	}
	m.triggers.WithLabelValues(trigger, outcome).Inc()
	m.recompute.WithLabelValues(trigger).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveError(err error) {
	if err == nil {
		return
	}
	code := engine.ToAPIError(err).Code
	if errors.Is(err, ErrRateLimited) {
		code = "RATE_LIMITED"
	}
	m.errors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveRequest(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// RecordManifest publishes the store inventory.
func (m *Metrics) RecordManifest(man engine.Manifest, issues int) {
	counts := map[string]int{}
	for _, e := range man.Entries {
		counts[e.Kind]++
	}
	for kind, n := range counts {
		m.seriesLoaded.WithLabelValues(kind).Set(float64(n))
	}
	m.datasetIssues.Set(float64(issues))
}

func (m *Metrics) SetSessions(n int) { m.sessionsLive.Set(float64(n)) }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

