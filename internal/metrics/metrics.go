// Package metrics exposes Prometheus collectors for the broker and its workers.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksCreatedTotal          *prometheus.CounterVec
	taskCreateConflictsTotal   prometheus.Counter
	acquisitionsTotal          *prometheus.CounterVec
	tasksCompletedTotal        *prometheus.CounterVec
	suggestionsTotal           *prometheus.CounterVec
	eventsPublishedTotal       *prometheus.CounterVec
	eventsDroppedTotal         *prometheus.CounterVec
	pendingTasks               *prometheus.GaugeVec
	openStreams                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	workerRunningTasks         prometheus.Gauge
	workerTasksTotal           *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tasks_created_total",
				Help: "Total number of tasks created, labeled by variant.",
			},
			[]string{"variant"},
		)

		taskCreateConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_task_create_conflicts_total",
				Help: "Total number of create requests rejected for a duplicate key.",
			},
		)

		acquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_acquisitions_total",
				Help: "Acquire attempts, labeled by outcome (won, acquired, not_found).",
			},
			[]string{"outcome"},
		)

		tasksCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tasks_completed_total",
				Help: "Total number of tasks completed, labeled by variant.",
			},
			[]string{"variant"},
		)

		suggestionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_suggestions_total",
				Help: "Task suggestions pushed to workers, labeled by source (create, pull).",
			},
			[]string{"source"},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_events_published_total",
				Help: "Events published on the bus, labeled by type.",
			},
			[]string{"type"},
		)

		eventsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_events_dropped_total",
				Help: "Events dropped because a subscriber buffer was full, labeled by type.",
			},
			[]string{"type"},
		)

		pendingTasks = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_pending_tasks",
				Help: "Counter cache estimate of unassigned tasks, labeled by variant.",
			},
			[]string{"variant"},
		)

		openStreams = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_open_streams",
				Help: "Number of worker event streams currently open.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		workerRunningTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_running_tasks",
				Help: "Number of tasks the worker is currently executing.",
			},
		)

		workerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_tasks_total",
				Help: "Tasks handled by the worker, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTaskCreated counts a created task.
func ObserveTaskCreated(variant string) {
	Init()
	tasksCreatedTotal.WithLabelValues(variant).Inc()
}

// ObserveCreateConflict counts a duplicate-key create.
func ObserveCreateConflict() {
	Init()
	taskCreateConflictsTotal.Inc()
}

// ObserveAcquire counts an acquire attempt by outcome.
func ObserveAcquire(outcome string) {
	Init()
	acquisitionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTaskCompleted counts a completed task.
func ObserveTaskCompleted(variant string) {
	Init()
	tasksCompletedTotal.WithLabelValues(variant).Inc()
}

// ObserveSuggestions adds n pushed suggestions.
func ObserveSuggestions(source string, n int) {
	Init()
	if n > 0 {
		suggestionsTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveEventPublished counts a bus publication.
func ObserveEventPublished(eventType string) {
	Init()
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// ObserveEventDropped counts an event dropped for a slow subscriber.
func ObserveEventDropped(eventType string) {
	Init()
	eventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// SetPending records the cache estimate for a variant.
func SetPending(variant string, value int64) {
	Init()
	pendingTasks.WithLabelValues(variant).Set(float64(value))
}

// IncOpenStreams increments the open streams gauge.
func IncOpenStreams() {
	Init()
	openStreams.Inc()
}

// DecOpenStreams decrements the open streams gauge.
func DecOpenStreams() {
	Init()
	openStreams.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetWorkerRunning records the worker's in-flight task count.
func SetWorkerRunning(n int) {
	Init()
	workerRunningTasks.Set(float64(n))
}

// ObserveWorkerTask counts a task handled by the worker.
func ObserveWorkerTask(outcome string) {
	Init()
	workerTasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
