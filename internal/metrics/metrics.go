// Package metrics provides Prometheus metrics for the pipeline jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PapersIngested counts listing entries by insert outcome.
	PapersIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperdigest",
			Name:      "papers_ingested_total",
			Help:      "Listing entries processed by the watcher, by outcome",
		},
		[]string{"outcome"},
	)

	// ModelCalls counts language-model calls by operation and status.
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperdigest",
			Name:      "model_calls_total",
			Help:      "Total number of model calls",
		},
		[]string{"operation", "status"},
	)

	// ModelCallDuration measures model call latency including retries.
	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paperdigest",
			Name:      "model_call_duration_seconds",
			Help:      "Duration of model calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ClassificationsStored counts results written, by verdict.
	ClassificationsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperdigest",
			Name:      "classifications_total",
			Help:      "Classification results written",
		},
		[]string{"verdict"},
	)

	// ClassificationFailures counts pairs whose retries were exhausted.
	ClassificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paperdigest",
			Name:      "classification_failures_total",
			Help:      "Pairs recorded as classification-failed",
		},
	)

	// BatchesBuilt counts delivery batches created.
	BatchesBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperdigest",
			Name:      "delivery_batches_total",
			Help:      "Delivery batches built",
		},
		[]string{"cadence"},
	)

	// SuggestionsProduced counts stored prompt suggestions.
	SuggestionsProduced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paperdigest",
			Name:      "suggestions_total",
			Help:      "Prompt edit suggestions stored",
		},
	)

	// JobRuns counts job executions by job and status.
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paperdigest",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions",
		},
		[]string{"job", "status"},
	)

	// JobDuration measures job execution time.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paperdigest",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled jobs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)
)

// RecordModelCall records a model call outcome.
func RecordModelCall(operation string, err error, seconds float64) {
	ModelCalls.WithLabelValues(operation, status(err)).Inc()
	ModelCallDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordJob records a job execution.
func RecordJob(job string, err error, seconds float64) {
	JobRuns.WithLabelValues(job, status(err)).Inc()
	JobDuration.WithLabelValues(job).Observe(seconds)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
