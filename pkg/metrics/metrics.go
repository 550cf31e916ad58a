// Package metrics is the Metrics Registry (spec component C11): Prometheus
// collectors updated by the scheduler, poller, job and attempt drivers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborctl_jobs_total",
			Help: "Total number of jobs by final status",
		},
		[]string{"status"},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborctl_jobs_running",
			Help: "Number of jobs currently running",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborctl_job_duration_seconds",
			Help:    "Job wall-clock duration from running to terminal status",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborctl_attempts_total",
			Help: "Total number of attempts by final status",
		},
		[]string{"status"},
	)

	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborctl_attempt_duration_seconds",
			Help:    "Attempt wall-clock duration",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		},
	)

	EpisodesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborctl_episodes_total",
			Help: "Total number of episodes parsed from agent trajectories",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborctl_queue_depth",
			Help: "Scheduler queue depth: jobs in the global FIFO (scope=global) or users with queued jobs (scope=per_user)",
		},
		[]string{"scope"}, // "global" | "per_user"
	)

	ParserFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborctl_parser_failures_total",
			Help: "Total number of artifact parser failures by diagnostic reason",
		},
		[]string{"reason"},
	)

	RateLimitedAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborctl_rate_limited_attempts_total",
			Help: "Total number of attempts that ended due to a detected rate limit",
		},
	)

	PollerCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborctl_poller_cycles_total",
			Help: "Total number of poller ticks",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobsRunning,
		JobDuration,
		AttemptsTotal,
		AttemptDuration,
		EpisodesTotal,
		QueueDepth,
		ParserFailuresTotal,
		RateLimitedAttemptsTotal,
		PollerCycles,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
