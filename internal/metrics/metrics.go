package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// HTTP Metrics (ops server)
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardbridge",
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path", "status"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})

	// Source Metrics
	ObjectsListed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "source",
		Name:      "objects_listed_total",
		Help:      "Objects returned by bucket listings.",
	})

	ObjectsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "source",
		Name:      "objects_fetched_total",
		Help:      "Object fetch outcomes.",
	}, []string{"status"})

	ObjectBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "source",
		Name:      "object_bytes_total",
		Help:      "Compressed bytes fetched from the source bucket.",
	})

	// Decode / transform Metrics
	FindingsParsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "decode",
		Name:      "findings_parsed_total",
		Help:      "Findings successfully parsed from object lines.",
	})

	LinesMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "decode",
		Name:      "lines_malformed_total",
		Help:      "Object lines skipped as malformed JSON or missing id.",
	})

	FindingsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "dedup",
		Name:      "findings_suppressed_total",
		Help:      "Findings suppressed as duplicates.",
	})

	RecordsTransformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "transform",
		Name:      "records_total",
		Help:      "Findings transformed into DCR records.",
	})

	TransformErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "transform",
		Name:      "errors_total",
		Help:      "Findings rejected by the transformer.",
	})

	// Batch / ingest Metrics
	BatchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "batch",
		Name:      "flushed_total",
		Help:      "Batches flushed, by trigger (count, size, age, drain).",
	}, []string{"trigger"})

	BatchSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardbridge",
		Subsystem: "batch",
		Name:      "size_bytes",
		Help:      "Serialized batch payload size.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})

	RecordsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Records accepted by the ingestion endpoint.",
	})

	IngestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardbridge",
		Subsystem: "ingest",
		Name:      "latency_seconds",
		Help:      "End-to-end latency of one ingestion attempt.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	IngestRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "ingest",
		Name:      "retries_total",
		Help:      "Ingestion attempts retried.",
	})

	IngestFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "ingest",
		Name:      "failures_total",
		Help:      "Batches that exhausted retries or failed fatally.",
	}, []string{"kind"})

	DeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "deadletter",
		Name:      "envelopes_total",
		Help:      "Envelopes written to the dead-letter destination.",
	}, []string{"destination", "status"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardbridge",
		Subsystem: "auth",
		Name:      "token_refreshes_total",
		Help:      "OAuth token refresh outcomes.",
	}, []string{"status"})

	// Queue / breaker gauges
	InputQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardbridge",
		Subsystem: "pipeline",
		Name:      "input_queue_depth",
		Help:      "Object references waiting for an object worker.",
	})

	BatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardbridge",
		Subsystem: "pipeline",
		Name:      "batch_queue_depth",
		Help:      "Flushed batches waiting for an ingest worker.",
	})

	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardbridge",
		Subsystem: "pipeline",
		Name:      "breaker_state",
		Help:      "Sink circuit state (0 closed, 1 open, 2 half-open).",
	})

	// System Metrics
	SystemInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "guardbridge",
		Subsystem: "system",
		Name:      "info",
		Help:      "System information.",
	}, []string{"version", "commit", "build_date", "go_version"})

	SystemUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardbridge",
		Subsystem: "system",
		Name:      "uptime_seconds",
		Help:      "System uptime in seconds.",
	})
)

var (
	registry  *prometheus.Registry
	regOnce   sync.Once
	startTime time.Time
)

// Init initializes the metrics registry with safe registration
func Init() {
	regOnce.Do(func() {
		startTime = time.Now()

		// Dedicated registry keeps third-party default-registry noise out
		registry = prometheus.NewRegistry()

		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		registry.MustRegister(
			HTTPLatency, HTTPRequests,
			ObjectsListed, ObjectsFetched, ObjectBytes,
			FindingsParsed, LinesMalformed, FindingsDeduplicated,
			RecordsTransformed, TransformErrors,
			BatchesFlushed, BatchSizeBytes,
			RecordsIngested, IngestLatency, IngestRetries, IngestFailures,
			DeadLettered, TokenRefreshes,
			InputQueueDepth, BatchQueueDepth, BreakerState,
			SystemInfo, SystemUptime,
		)

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				SystemUptime.Set(time.Since(startTime).Seconds())
			}
		}()
	})
}

// Registry returns the custom Prometheus registry
func Registry() *prometheus.Registry {
	return registry
}

// RecordHTTPRequest records an HTTP request with all relevant metrics
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	HTTPRequests.WithLabelValues(method, path, statusStr).Inc()
	HTTPLatency.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}
