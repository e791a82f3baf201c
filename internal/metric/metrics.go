// Package metric holds the Prometheus metrics of the ingress, processor and
// storage services. Each service owns one registry and exposes it on
// /metrics.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logflow"

// Metrics contains every metric of the pipeline. A service only moves the
// ones that concern it; the rest stay at zero.
type Metrics struct {
	registry *prometheus.Registry

	// Ingress
	Submissions *prometheus.CounterVec // kind, outcome
	Published   prometheus.Counter

	// Processor
	Deliveries         *prometheus.CounterVec // outcome
	ProcessingDuration prometheus.Histogram
	ForwardFailures    prometheus.Counter

	// Storage
	RecordsStored prometheus.Counter
	StoreFailures prometheus.Counter
	IndexRecords  prometheus.Gauge
	FilesPruned   prometheus.Counter

	HTTPRequests *prometheus.CounterVec // route, code
}

// New creates the metrics on a fresh registry together with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "submissions_total",
			Help:      "Log submissions by kind (single, batch) and outcome (queued, invalid, failed)",
		}, []string{"kind", "outcome"}),

		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "published_total",
			Help:      "Log entries published to the broker",
		}),

		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "deliveries_total",
			Help:      "Deliveries by outcome (acked, requeued, dropped)",
		}, []string{"outcome"}),

		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "processing_duration_seconds",
			Help:      "Time from receiving a delivery to settling it",
			Buckets:   prometheus.DefBuckets,
		}),

		ForwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "forward_failures_total",
			Help:      "Failed calls to the storage service",
		}),

		RecordsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "records_stored_total",
			Help:      "Records written to disk and index",
		}),

		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "store_failures_total",
			Help:      "Create operations that failed to write the record file",
		}),

		IndexRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "index_records",
			Help:      "Records currently held in the in-memory index",
		}),

		FilesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "files_pruned_total",
			Help:      "Record files removed by the retention cleaner",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.Submissions,
		m.Published,
		m.Deliveries,
		m.ProcessingDuration,
		m.ForwardFailures,
		m.RecordsStored,
		m.StoreFailures,
		m.IndexRecords,
		m.FilesPruned,
		m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
