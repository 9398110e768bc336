package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpLabels = []string{"method", "route", "status"}

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	editsTotal        *prometheus.CounterVec
	editDuration      prometheus.Histogram
}

// newMetrics uses a private registry so tests can build many servers.
func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelprompt",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests served, by matched route.",
		}, httpLabels),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pixelprompt",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by matched route.",
			Buckets:   prometheus.DefBuckets,
		}, httpLabels),
		rateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelprompt",
			Subsystem: "api",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests answered 429.",
		}, []string{"route"}),
		queueEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelprompt",
			Subsystem: "queue",
			Name:      "edits_enqueued_total",
			Help:      "Edit jobs handed to the worker queue.",
		}, []string{"queue"}),
		editsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelprompt",
			Subsystem: "api",
			Name:      "inline_edits_total",
			Help:      "Synchronous edits by outcome.",
		}, []string{"outcome"}),
		editDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pixelprompt",
			Subsystem: "api",
			Name:      "inline_edit_duration_seconds",
			Help:      "Resolve plus transform time of successful synchronous edits.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routeLabel(r),
			"status": strconv.Itoa(responseStatus(ww)),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

// routeLabel is the matched chi pattern. It is only complete once routing
// has run, so middleware must read it after calling next.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// responseStatus treats a handler that never called WriteHeader as 200.
func responseStatus(ww chimw.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}
