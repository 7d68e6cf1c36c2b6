package reindex

import "github.com/prometheus/client_golang/prometheus"

var (
	BatchesRun = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "realmindex",
		Subsystem: "reindex",
		Name:      "batches_total",
		Help:      "Full-reindex batches started.",
	})

	RealmsRebuilt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realmindex",
		Subsystem: "reindex",
		Name:      "realms_total",
		Help:      "Realm rebuilds finished, by outcome (ok, error, timeout).",
	}, []string{"outcome"})

	CooldownSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "realmindex",
		Subsystem: "reindex",
		Name:      "cooldown_seconds_total",
		Help:      "Time spent pausing between batches.",
	})

	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "realmindex",
		Subsystem: "reindex",
		Name:      "in_flight",
		Help:      "Realm rebuilds currently running.",
	})

	RebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "realmindex",
		Subsystem: "reindex",
		Name:      "rebuild_duration_seconds",
		Help:      "Wall time of one realm rebuild.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
	})
)

// Collectors returns the reindex metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{BatchesRun, RealmsRebuilt, CooldownSeconds, InFlight, RebuildDuration}
}
