package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted tracks total pipeline runs started
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeliner_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
	)

	// RunsFinished tracks finished runs by terminal state
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeliner_runs_finished_total",
			Help: "Total number of pipeline runs finished",
		},
		[]string{"state"},
	)

	// StageDuration tracks stage execution latency
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeliner_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// StageFailures tracks stage failures by classification
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeliner_stage_failures_total",
			Help: "Total number of stage failures",
		},
		[]string{"stage", "classification"},
	)

	// StageRetries tracks retry attempts per stage
	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeliner_stage_retries_total",
			Help: "Total number of stage retry attempts",
		},
		[]string{"stage"},
	)

	// ApprovalsPending tracks runs currently suspended for approval
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeliner_approvals_pending",
			Help: "Number of runs awaiting an approval decision",
		},
	)
)
