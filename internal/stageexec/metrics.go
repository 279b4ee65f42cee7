package stageexec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApplied   = "applied"
	outcomeFailed    = "failed"
	outcomeRetry     = "retry"
	outcomeDuplicate = "duplicate"
	outcomeBusy      = "busy"
	outcomePoison    = "poison"
	outcomeStale     = "stale"
)

var (
	stageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medpipe_stage_runs_total",
			Help: "Stage deliveries by outcome.",
		},
		[]string{"stage", "outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medpipe_stage_duration_seconds",
			Help:    "Wall time spent in stage handlers.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		},
		[]string{"stage"},
	)
)

func recordRun(stage, outcome string) {
	stageRuns.WithLabelValues(stage, outcome).Inc()
}

func observeDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
