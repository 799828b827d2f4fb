package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecoach_workflows_total",
			Help: "Total number of workflow runs by terminal status",
		},
		[]string{"pipeline", "status"},
	)

	StageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecoach_stage_executions_total",
			Help: "Total number of stage executions by outcome",
		},
		[]string{"pipeline", "stage", "outcome"},
	)

	StageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecoach_stage_retries_total",
			Help: "Total number of transient-error retries per stage",
		},
		[]string{"pipeline", "stage"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagecoach_stage_duration_seconds",
			Help:    "Stage executor duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"pipeline", "stage"},
	)

	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecoach_approvals_total",
			Help: "Total number of approval gate resolutions by outcome",
		},
		[]string{"pipeline", "outcome"},
	)
)
