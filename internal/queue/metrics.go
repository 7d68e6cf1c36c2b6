package queue

import "github.com/prometheus/client_golang/prometheus"

var JobsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "realmindex",
	Subsystem: "queue",
	Name:      "jobs_published",
}, []string{"category"})

var JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "realmindex",
	Subsystem: "queue",
	Name:      "jobs_finished",
}, []string{"category", "status"})

var JobsTimedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "realmindex",
	Subsystem: "queue",
	Name:      "jobs_timed_out",
}, []string{"category"})

var JobsPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "realmindex",
	Subsystem: "queue",
	Name:      "jobs_pending",
}, []string{"category"})

var JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "realmindex",
	Subsystem: "queue",
	Name:      "job_duration_seconds",
	Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 1200},
}, []string{"category"})

// Collectors returns the queue metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{JobsPublished, JobsFinished, JobsTimedOut, JobsPending, JobDuration}
}

func observeFinish(category string, status Status, err error, seconds float64) {
	JobsFinished.WithLabelValues(category, string(status)).Inc()
	JobDuration.WithLabelValues(category).Observe(seconds)
	if isTimeout(err) {
		JobsTimedOut.WithLabelValues(category).Inc()
	}
}
