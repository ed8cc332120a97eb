package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for jobsTotal.
const (
	outcomeFinished  = "finished"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeCrash     = "crash"
	outcomeCancelled = "cancelled"
	outcomeError     = "error"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_jobs_total",
			Help: "Jobs run to a terminal status, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_job_duration_seconds",
			Help:    "Wall time from claim to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	claimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_claim_latency_seconds",
			Help:    "Time spent claiming a job from the store.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_active_jobs",
			Help: "Jobs currently being run by this dispatcher.",
		},
	)

	launchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_launch_retries_total",
			Help: "Worker launch attempts that failed and were retried.",
		},
	)

	orphansKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_orphans_killed_total",
			Help: "Orphaned workers killed by the reconciliation sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		jobsTotal,
		jobDuration,
		claimLatency,
		activeJobs,
		launchRetries,
		orphansKilled,
	)
}
