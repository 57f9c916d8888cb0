package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	resolutionsTotal *prometheus.CounterVec
	deferredReplays  *prometheus.CounterVec
	storeTimeouts    prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultgrant_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultgrant_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	resolutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultgrant_grant_resolutions_total",
		Help: "Grant resolutions by kind and resulting state.",
	}, []string{"kind", "state"})
	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultgrant_deferred_replays_total",
		Help: "Deferred queue replays by disposition.",
	}, []string{"disposition"})
	timeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultgrant_store_acquire_timeouts_total",
		Help: "Record store acquisitions abandoned after the deadline.",
	})
	registry.MustRegister(requests, duration, resolutions, replays, timeouts)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		resolutionsTotal: resolutions,
		deferredReplays:  replays,
		storeTimeouts:    timeouts,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records per-request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveResolution counts one grant resolution.
func (m *Metrics) ObserveResolution(kind, state string) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(kind, state).Inc()
}

// ObserveReplay counts one deferred entry replay outcome.
func (m *Metrics) ObserveReplay(disposition string) {
	if m == nil {
		return
	}
	m.deferredReplays.WithLabelValues(disposition).Inc()
}

// ObserveStoreTimeout counts one abandoned store acquisition.
func (m *Metrics) ObserveStoreTimeout() {
	if m == nil {
		return
	}
	m.storeTimeouts.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
