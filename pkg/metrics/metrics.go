package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgersync"

// Registry owns every collector the service exports. Each instance has its
// own prometheus.Registry so tests never collide on global registration.
type Registry struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	durations       *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheFetches    *prometheus.CounterVec
	cacheOrders     prometheus.Gauge
	authRejections  *prometheus.CounterVec
	sponsorOutcomes *prometheus.CounterVec
	resolverResults *prometheus.CounterVec
	resolverRetries prometheus.Histogram
	reconcileItems  *prometheus.GaugeVec
	publishFailures *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain_cache",
			Name:      "lookups_total",
			Help:      "Ledger cache lookups by outcome (hit, miss, stale).",
		}, []string{"outcome"}),
		cacheFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain_cache",
			Name:      "fetches_total",
			Help:      "Ledger snapshot fetches by result.",
		}, []string{"result"}),
		cacheOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain_cache",
			Name:      "orders",
			Help:      "Orders in the current ledger snapshot.",
		}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rejections_total",
			Help:      "Signed request rejections by code.",
		}, []string{"code"}),
		sponsorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sponsor",
			Name:      "requests_total",
			Help:      "Sponsorship requests by phase and outcome code.",
		}, []string{"phase", "outcome"}),
		resolverResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "results_total",
			Help:      "Order resolutions by source, or not_found.",
		}, []string{"source"}),
		resolverRetries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "retries",
			Help:      "Backoff retries spent per resolution.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
		}),
		reconcileItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "discrepancies",
			Help:      "Discrepancies in the last reconciliation report by category.",
		}, []string{"category"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_failures_total",
			Help:      "Failed best-effort side effects by kind.",
		}, []string{"kind"}),
	}
	r.registry.MustRegister(
		r.requests, r.durations,
		r.cacheLookups, r.cacheFetches, r.cacheOrders,
		r.authRejections, r.sponsorOutcomes,
		r.resolverResults, r.resolverRetries,
		r.reconcileItems, r.publishFailures,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Observe(route, method string, status int, d time.Duration) {
	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.durations.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) IncCacheLookup(outcome string) {
	r.cacheLookups.WithLabelValues(outcome).Inc()
}

func (r *Registry) IncCacheFetch(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.cacheFetches.WithLabelValues(result).Inc()
}

func (r *Registry) SetCacheOrders(n int) {
	r.cacheOrders.Set(float64(n))
}

func (r *Registry) IncAuthRejection(code string) {
	r.authRejections.WithLabelValues(code).Inc()
}

func (r *Registry) IncSponsor(phase, outcome string) {
	r.sponsorOutcomes.WithLabelValues(phase, outcome).Inc()
}

func (r *Registry) ObserveResolution(source string, retries int) {
	r.resolverResults.WithLabelValues(source).Inc()
	r.resolverRetries.Observe(float64(retries))
}

func (r *Registry) SetReconcile(category string, n int) {
	r.reconcileItems.WithLabelValues(category).Set(float64(n))
}

func (r *Registry) IncBestEffortFailure(kind string) {
	r.publishFailures.WithLabelValues(kind).Inc()
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
