package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	Invalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realmindex",
		Subsystem: "engine",
		Name:      "invalidations_total",
		Help:      "Invalidation batches committed, by kind (change or remove).",
	}, []string{"kind"})

	ClosureSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "realmindex",
		Subsystem: "engine",
		Name:      "closure_size",
		Help:      "Number of dependents reached by one invalidation.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	WriteConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "realmindex",
		Subsystem: "engine",
		Name:      "write_conflicts_total",
		Help:      "Realm batches that exhausted their retries.",
	})

	Promotions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "realmindex",
		Subsystem: "engine",
		Name:      "promotions_total",
		Help:      "Working generations promoted to production.",
	})

	EntriesIndexed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realmindex",
		Subsystem: "engine",
		Name:      "entries_indexed_total",
		Help:      "Entries written by rebuild jobs, by type and outcome.",
	}, []string{"type", "outcome"})
)

// Collectors returns the engine metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Invalidations, ClosureSize, WriteConflicts, Promotions, EntriesIndexed}
}
