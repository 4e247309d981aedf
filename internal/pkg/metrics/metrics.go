package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with DroppedTotal.
const (
	DropQueueFull        = "queue_full"
	DropRetriesExhausted = "retries_exhausted"
	DropInvalid          = "invalid"
	DropShutdown         = "shutdown"
)

var (
	CapturedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyaudit_captured_total",
		Help: "Requests captured by the audit pipeline",
	}, []string{"mode"})

	SkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyaudit_skipped_total",
		Help: "Requests bypassed by skip rules",
	})

	PersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyaudit_persisted_total",
		Help: "Audit records accepted by a store",
	}, []string{"backend"})

	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyaudit_store_failures_total",
		Help: "Failed store writes",
	}, []string{"backend", "kind"})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyaudit_dropped_total",
		Help: "Audit records dropped without being persisted",
	}, []string{"reason"})

	WriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyaudit_write_retries_total",
		Help: "Retried audit writes",
	})

	PipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyaudit_pipeline_errors_total",
		Help: "Fail-open errors inside the capture pipeline",
	}, []string{"step"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyaudit_queue_depth",
		Help: "Records waiting in the async queue",
	}, []string{"queue"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyaudit_http_request_duration_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
