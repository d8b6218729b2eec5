package relation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gravity_relation_reads_total",
		Help: "Relation cache reads by outcome.",
	}, []string{"result"})

	computationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gravity_relation_computations_total",
		Help: "Finished relation computations by outcome.",
	}, []string{"result"})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gravity_relation_invalidations_total",
		Help: "Relation cells invalidated by edits.",
	})

	computationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gravity_relation_computation_seconds",
		Help:    "Duration of cross-document relation computations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)
