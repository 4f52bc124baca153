// Package telemetry provides the engine's Prometheus instruments and
// the OpenTelemetry tracer bootstrap.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. Instruments are
// registered once on the default registry; use GetMetrics.
type Metrics struct {
	TasksFinished *prometheus.CounterVec
	TasksActive   prometheus.Gauge

	StepsTotal  *prometheus.CounterVec
	StepRetries *prometheus.CounterVec

	CheckpointWrites prometheus.Counter
	CheckpointBytes  prometheus.Histogram

	CapabilityLatency *prometheus.HistogramVec
	CapabilityErrors  *prometheus.CounterVec

	RateLimitQueueDepth *prometheus.GaugeVec
	RateLimitRejections *prometheus.CounterVec

	ApprovalsPending prometheus.Gauge
	ApprovalOutcomes *prometheus.CounterVec

	EventsEmitted    prometheus.Counter
	StreamClients    prometheus.Gauge
	StreamDropped    prometheus.Counter

	DriftItems *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetMetrics returns the process-wide instrument set, creating and
// registering it on first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			TasksFinished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_tasks_finished_total",
				Help: "Tasks reaching a terminal status, by status and type",
			}, []string{"status", "type"}),
			TasksActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "nimbus_tasks_active",
				Help: "Tasks currently planning, awaiting approval or running",
			}),
			StepsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_steps_total",
				Help: "Steps reaching a terminal state, by capability kind and state",
			}, []string{"kind", "state"}),
			StepRetries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_step_retries_total",
				Help: "Step retry attempts, by capability kind",
			}, []string{"kind"}),
			CheckpointWrites: promauto.NewCounter(prometheus.CounterOpts{
				Name: "nimbus_checkpoint_writes_total",
				Help: "Checkpoints written",
			}),
			CheckpointBytes: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "nimbus_checkpoint_bytes",
				Help:    "Size of checkpoint state blobs",
				Buckets: prometheus.ExponentialBuckets(256, 4, 7),
			}),
			CapabilityLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "nimbus_capability_latency_seconds",
				Help:    "Capability invocation latency, by kind",
				Buckets: prometheus.DefBuckets,
			}, []string{"kind"}),
			CapabilityErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_capability_errors_total",
				Help: "Capability invocation failures, by kind and error kind",
			}, []string{"kind", "error_kind"}),
			RateLimitQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "nimbus_ratelimit_queue_depth",
				Help: "Callers waiting on a service rate limiter",
			}, []string{"service"}),
			RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_ratelimit_rejections_total",
				Help: "Requests rejected because the limiter queue was full",
			}, []string{"service"}),
			ApprovalsPending: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "nimbus_approvals_pending",
				Help: "Tasks suspended on an approval gate",
			}),
			ApprovalOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_approval_outcomes_total",
				Help: "Approval gate outcomes (granted, timeout, cancelled)",
			}, []string{"outcome"}),
			EventsEmitted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "nimbus_events_total",
				Help: "Events appended to the task event log",
			}),
			StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "nimbus_stream_clients",
				Help: "Connected websocket event-stream clients",
			}),
			StreamDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "nimbus_stream_dropped_total",
				Help: "Events dropped because a stream client was too slow",
			}),
			DriftItems: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_drift_items_total",
				Help: "Drift items detected, by provider and status",
			}, []string{"provider", "status"}),
			HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "nimbus_http_requests_total",
				Help: "Inbound API requests, by method, route and status code",
			}, []string{"method", "route", "status"}),
			HTTPLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "nimbus_http_latency_seconds",
				Help:    "Inbound API request latency, by method and route",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "route"}),
			CacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "nimbus_cache_hits_total",
				Help: "Report cache hits",
			}),
			CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "nimbus_cache_misses_total",
				Help: "Report cache misses",
			}),
		}
	})
	return metrics
}
