// Package metrics owns the process-wide Prometheus registry. Every component
// records through the named instruments here; the registry is exposed at
// /metrics without authentication (network access controls apply).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the platform instruments registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion pipeline.
	IngestMessages          *prometheus.CounterVec
	IngestQueueDepth        prometheus.Gauge
	IngestBatchWriteSeconds prometheus.Histogram
	IngestPublishFailures   prometheus.Counter

	// Evaluation engine.
	RulesEvaluated *prometheus.CounterVec
	AlertsCreated  *prometheus.CounterVec
	RuleErrors     *prometheus.CounterVec
	TickSeconds    prometheus.Histogram

	// Notification router.
	RouterEvents      *prometheus.CounterVec
	RouterJobsCreated *prometheus.CounterVec

	// Delivery worker.
	DeliveryJobsFailed    *prometheus.CounterVec
	DeliveryDLQ           prometheus.Counter
	DeliveryAttemptTimer  *prometheus.HistogramVec
	DeliveryJobsInflight  prometheus.Gauge
	DeliveryJobsCompleted *prometheus.CounterVec

	// Maintenance jobs.
	MaintenanceRowsPurged *prometheus.CounterVec
	MaintenanceRestaged   *prometheus.CounterVec
}

// New builds a registry with the platform instruments plus the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Telemetry envelopes handled by the ingestion pipeline.",
		}, []string{"tenant", "result"}),
		IngestQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Records waiting in the in-process ingest queue.",
		}),
		IngestBatchWriteSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_batch_write_seconds",
			Help:    "Latency of one batch-writer flush transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		IngestPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_bus_publish_failures_total",
			Help: "Canonical record publications that failed after a flush.",
		}),

		RulesEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluator_rules_evaluated_total",
			Help: "Rule evaluations performed per tenant.",
		}, []string{"tenant"}),
		AlertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluator_alerts_created_total",
			Help: "Alerts opened per tenant.",
		}, []string{"tenant"}),
		RuleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluator_rule_errors_total",
			Help: "Per-rule evaluation failures that were logged and skipped.",
		}, []string{"tenant"}),
		TickSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evaluator_tick_seconds",
			Help:    "Duration of one full evaluation tick.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		RouterEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_alert_events_total",
			Help: "Alert lifecycle events consumed by the router.",
		}, []string{"tenant", "event"}),
		RouterJobsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_jobs_created_total",
			Help: "Notification jobs inserted (idempotent duplicates excluded).",
		}, []string{"tenant"}),

		DeliveryJobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_jobs_failed_total",
			Help: "Notification jobs that reached FAILED.",
		}, []string{"tenant"}),
		DeliveryDLQ: factory.NewCounter(prometheus.CounterOpts{
			Name: "delivery_dlq_total",
			Help: "Dead letters written.",
		}),
		DeliveryAttemptTimer: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_attempt_seconds",
			Help:    "Latency of one delivery attempt per channel type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel_type"}),
		DeliveryJobsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "delivery_jobs_inflight",
			Help: "Jobs currently in PROCESSING on this worker.",
		}),
		DeliveryJobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_jobs_completed_total",
			Help: "Notification jobs delivered successfully.",
		}, []string{"tenant", "channel_type"}),

		MaintenanceRowsPurged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maintenance_rows_purged_total",
			Help: "Rows removed by the retention purges.",
		}, []string{"table"}),
		MaintenanceRestaged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maintenance_jobs_restaged_total",
			Help: "Job refs returned to the pending queue by the sweep.",
		}, []string{"kind"}),
	}
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
