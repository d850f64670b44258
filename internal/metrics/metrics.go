// Package metrics exposes Prometheus collectors for the daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawld_jobs_scheduled_total",
			Help: "Total number of jobs accepted into a queue, labeled by project.",
		},
		[]string{"project"},
	)

	jobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawld_jobs_started_total",
			Help: "Total number of worker processes spawned, labeled by project.",
		},
		[]string{"project"},
	)

	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawld_jobs_finished_total",
			Help: "Total number of finished jobs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	jobsCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawld_jobs_cancelled_total",
			Help: "Total number of cancel requests, labeled by the state the job was in.",
		},
		[]string{"prevstate"},
	)

	runningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawld_running_jobs",
			Help: "Number of worker processes currently running.",
		},
	)

	dispatchPushbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawld_dispatch_pushbacks_total",
			Help: "Jobs returned to their queue because no slot was free at start time.",
		},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawld_job_duration_seconds",
			Help:    "Wall-clock duration of worker processes, labeled by outcome.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		},
		[]string{"outcome"},
	)

	eventDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawld_event_deliveries_total",
			Help: "Finished-job event deliveries, labeled by sink and result.",
		},
		[]string{"sink", "result"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawld_events_dropped_total",
			Help: "Finished-job events dropped because the delivery buffer was full.",
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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScheduled counts a job accepted for project.
func ObserveScheduled(project string) {
	jobsScheduledTotal.WithLabelValues(project).Inc()
}

// ObserveStarted counts a spawned worker and bumps the running gauge.
func ObserveStarted(project string) {
	jobsStartedTotal.WithLabelValues(project).Inc()
	runningJobs.Inc()
}

// ObserveFinished records a finished job. wasRunning is false for jobs that
// failed before a process existed.
func ObserveFinished(outcome string, duration time.Duration, wasRunning bool) {
	jobsFinishedTotal.WithLabelValues(outcome).Inc()
	if wasRunning {
		runningJobs.Dec()
		jobDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveCancel counts a cancel request by the state it found the job in.
func ObserveCancel(prevState string) {
	jobsCancelledTotal.WithLabelValues(prevState).Inc()
}

// ObservePushback counts a popped job returned to its queue.
func ObservePushback() {
	dispatchPushbacksTotal.Inc()
}

// ObserveEventDelivery counts one delivery attempt to sink.
func ObserveEventDelivery(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventDeliveriesTotal.WithLabelValues(sink, result).Inc()
}

// ObserveEventDropped counts an event that never reached its sinks.
func ObserveEventDropped() {
	eventsDroppedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
