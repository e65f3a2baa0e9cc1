package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// ObjectChanges counts recorded audit records by object type and action
	ObjectChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "object_changes_total", Help: "Recorded object changes by object type and action."},
		[]string{"object_type", "action"},
	)
	// SnapshotWarnings counts snapshot fields replaced by a placeholder
	SnapshotWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "snapshot_serialization_warnings_total", Help: "Snapshot fields that could not be serialized."},
		[]string{"object_type"},
	)
	// UnitsOfWork counts finished units of work by outcome (committed, aborted, failed)
	UnitsOfWork = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "units_of_work_total", Help: "Units of work by outcome."},
		[]string{"outcome"},
	)

	// DeliveryJobsCreated counts jobs created by the dispatcher
	DeliveryJobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_jobs_created_total", Help: "Delivery jobs created by event type."},
		[]string{"event_type"},
	)
	// ConditionErrors counts condition expressions that failed to evaluate
	ConditionErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_condition_errors_total", Help: "Webhook conditions that failed to parse or evaluate."},
	)
	// QueueOverflows counts jobs that could not be pushed onto a full job queue
	QueueOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_queue_overflow_total", Help: "Delivery jobs rejected by a full job queue."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers all collectors on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(ObjectChanges)
		Registry.MustRegister(SnapshotWarnings)
		Registry.MustRegister(UnitsOfWork)
		Registry.MustRegister(DeliveryJobsCreated)
		Registry.MustRegister(ConditionErrors)
		Registry.MustRegister(QueueOverflows)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
