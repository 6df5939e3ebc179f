package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "engine",
		Name:      "sessions_total",
		Help:      "Sessions processed, by outcome.",
	}, []string{"outcome"})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "engine",
		Name:      "steps_total",
		Help:      "Steps executed, by outcome.",
	}, []string{"outcome"})

	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conduit",
		Subsystem: "engine",
		Name:      "step_duration_seconds",
		Help:      "Wall time of one full step.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	retrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conduit",
		Subsystem: "engine",
		Name:      "retrieval_duration_seconds",
		Help:      "Latency of hybrid retrieval per step.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
