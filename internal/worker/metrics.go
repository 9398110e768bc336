package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	editsTotal           *prometheus.CounterVec
	editDuration         *prometheus.HistogramVec
	activeEdits          prometheus.Gauge
	operationsTotal      *prometheus.CounterVec
	blockedTotal         *prometheus.CounterVec
	webhookFailures      prometheus.Counter
	eventFailures        prometheus.Counter
	pixelsProcessedTotal prometheus.Counter
	bytesInTotal         prometheus.Counter
	bytesOutTotal        prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		editsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_worker_edits_total",
			Help: "Total queued edits by source type and final status.",
		}, []string{"source_type", "status"}),
		editDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelprompt_worker_edit_duration_seconds",
			Help:    "Fetch, edit and emit duration of each queued edit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeEdits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelprompt_worker_active_edits",
			Help: "Edits currently holding a processing slot.",
		}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_worker_operations_applied_total",
			Help: "Operations applied by successful edits.",
		}, []string{"operation"}),
		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_worker_edits_blocked_total",
			Help: "Edits refused by a blocking rule or for lack of a recognized keyword.",
		}, []string{"rule"}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}),
		eventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_worker_event_publish_failures_total",
			Help: "Edit events that could not be published.",
		}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_usage_pixels_processed_total",
			Help: "Total output pixels across successful edits.",
		}),
		bytesInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_usage_bytes_in_total",
			Help: "Total source bytes read by successful edits.",
		}),
		bytesOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_usage_bytes_out_total",
			Help: "Total edited bytes written by successful edits.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful edits.",
		}),
	}

	registry.MustRegister(
		m.editsTotal,
		m.editDuration,
		m.activeEdits,
		m.operationsTotal,
		m.blockedTotal,
		m.webhookFailures,
		m.eventFailures,
		m.pixelsProcessedTotal,
		m.bytesInTotal,
		m.bytesOutTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
