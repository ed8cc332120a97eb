package localproc

import "github.com/prometheus/client_golang/prometheus"

var (
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_localproc_active_workers",
			Help: "Number of currently running local worker processes.",
		},
	)

	workerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_localproc_worker_seconds",
			Help:    "Worker process lifetime from launch to exit, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerDuration)
}
