package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Jobs accepted by the dispatcher per request type.",
		},
		[]string{"type"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Jobs that reached a terminal status per request type.",
		},
		[]string{"type", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Time from job creation to terminal status.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	enqueueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueue_failures_total",
			Help: "Submissions whose queue publish failed after the record was written.",
		},
	)

	staleSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_jobs_swept_total",
			Help: "QUEUED records marked FAILED by the stale sweeper.",
		},
	)
)

func init() {
	register(jobsSubmitted, jobsFinished, jobDuration, enqueueFailures, staleSwept)
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncSubmitted(requestType string) {
	jobsSubmitted.WithLabelValues(norm(requestType)).Inc()
}

// ObserveFinished records a terminal transition and the job's total age.
func ObserveFinished(requestType, status string, age time.Duration) {
	jobsFinished.WithLabelValues(norm(requestType), norm(status)).Inc()
	if age > 0 {
		jobDuration.WithLabelValues(norm(requestType)).Observe(age.Seconds())
	}
}

func IncEnqueueFailure() { enqueueFailures.Inc() }

func AddStaleSwept(n int) {
	if n > 0 {
		staleSwept.Add(float64(n))
	}
}
