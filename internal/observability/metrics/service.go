package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServiceMetrics provides the metrics recorded by flowguard components.
type ServiceMetrics struct {
	GuardedCalls    *prometheus.CounterVec
	GuardedDuration *prometheus.HistogramVec
	LockWait        prometheus.Histogram

	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	PersistFailures   *prometheus.CounterVec

	Transactions *prometheus.CounterVec

	CacheRequests *prometheus.CounterVec
}

// NewServiceMetrics registers the collectors on registry. A nil registry
// gets a private one.
func NewServiceMetrics(registry *Registry) *ServiceMetrics {
	if registry == nil {
		registry = NewRegistry(false)
	}
	f := promauto.With(registry.Registerer())

	return &ServiceMetrics{
		GuardedCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "guarded_calls_total",
			Help:      "Guarded calls by outcome",
		}, []string{"outcome"}),
		GuardedDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "guarded_call_duration_seconds",
			Help:      "Time spent inside the keyed lock",
			Buckets:   DurationBuckets,
		}, []string{"outcome"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a machine key",
			Buckets:   DurationBuckets,
		}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service operations by name and status",
		}, []string{"operation", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency",
			Buckets:   DurationBuckets,
		}, []string{"operation"}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "persist_failures_total",
			Help:      "Failed writes to the durable store",
		}, []string{"operation"}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "transactions_total",
			Help:      "Transactions by status",
		}, []string{"status"}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "cache_requests_total",
			Help:      "Snapshot cache lookups by result",
		}, []string{"result"}),
	}
}

// --- Executor Metrics ---

// GuardedCallCompleted records the outcome of a guarded call.
func (m *ServiceMetrics) GuardedCallCompleted(outcome string, duration time.Duration) {
	m.GuardedCalls.WithLabelValues(outcome).Inc()
	m.GuardedDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// LockWaited records how long a caller waited for its key.
func (m *ServiceMetrics) LockWaited(duration time.Duration) {
	m.LockWait.Observe(duration.Seconds())
}

// --- Service Metrics ---

// OperationCompleted records a finished service operation.
func (m *ServiceMetrics) OperationCompleted(operation, status string, duration time.Duration) {
	m.Operations.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// PersistFailed records a failed durable write.
func (m *ServiceMetrics) PersistFailed(operation string) {
	m.PersistFailures.WithLabelValues(operation).Inc()
}

// --- Transaction Metrics ---

func (m *ServiceMetrics) TransactionCompleted(status string) {
	m.Transactions.WithLabelValues(status).Inc()
}

// --- Cache Metrics ---

// CacheHit records a cache hit.
func (m *ServiceMetrics) CacheHit() {
	m.CacheRequests.WithLabelValues("hit").Inc()
}

// CacheMiss records a cache miss.
func (m *ServiceMetrics) CacheMiss() {
	m.CacheRequests.WithLabelValues("miss").Inc()
}
