// Package metrics holds the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is served on /metrics by every process.
var Registry = prometheus.NewRegistry()

var (
	// Reconciliation metrics
	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubot",
			Subsystem: "reconciler",
			Name:      "reconcile_total",
			Help:      "Total number of scheduler reconciliations by resource kind and action",
		},
		[]string{"kind", "action"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubot",
			Subsystem: "reconciler",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"kind"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubot",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of status transitions by resource kind and target status",
		},
		[]string{"kind", "to"},
	)

	// Event stream metrics
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubot",
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Total number of scheduler events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubot",
			Subsystem: "events",
			Name:      "stream_reconnects_total",
			Help:      "Total number of event stream reconnects",
		},
	)

	// Block storage metrics
	storageCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubot",
			Subsystem: "storage",
			Name:      "api_calls_total",
			Help:      "Total number of block storage API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	storageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubot",
			Subsystem: "storage",
			Name:      "api_latency_seconds",
			Help:      "Latency of block storage API calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~25s
		},
		[]string{"operation"},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubot",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Total number of processed tasks by type and result",
		},
		[]string{"type", "result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		reconcileTotal,
		reconcileDuration,
		transitionsTotal,
		eventsTotal,
		streamReconnects,
		storageCallsTotal,
		storageLatency,
		tasksTotal,
	)
}

// Result converts an error into a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordReconcile records one reconciliation and the action it took
// (create, update, noop, error).
func RecordReconcile(kind, action string, seconds float64) {
	reconcileTotal.WithLabelValues(kind, action).Inc()
	reconcileDuration.WithLabelValues(kind).Observe(seconds)
}

func RecordTransition(kind, to string) {
	transitionsTotal.WithLabelValues(kind, to).Inc()
}

// RecordEvent records a scheduler event and what the correlator did with it.
func RecordEvent(eventType, outcome string) {
	eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordStreamReconnect() {
	streamReconnects.Inc()
}

func RecordStorageCall(operation string, err error, seconds float64) {
	storageCallsTotal.WithLabelValues(operation, Result(err)).Inc()
	storageLatency.WithLabelValues(operation).Observe(seconds)
}

func RecordTask(taskType string, err error) {
	tasksTotal.WithLabelValues(taskType, Result(err)).Inc()
}
