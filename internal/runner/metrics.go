package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcman_runner_files_total",
			Help: "Test definition files processed, by final status.",
		},
		[]string{"status"},
	)
	fileRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcman_runner_file_retries_total",
			Help: "Per-file pipeline re-attempts.",
		},
	)
	connectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcman_runner_connect_attempts_total",
			Help: "Session connection and reconnection attempts.",
		},
	)
	resultWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcman_runner_result_wait_seconds",
			Help:    "Time spent waiting for the result artifact to appear.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)
