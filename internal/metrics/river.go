package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Job metrics, labelled by kind (load_run, embedding_backfill,
// geocode_cache_purge).
var (
	JobsQueued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Jobs inserted into the queue",
		},
		[]string{"kind"},
	)

	JobsInFlight = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing in this worker",
		},
		[]string{"kind"},
	)

	JobDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of one job attempt",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"kind"},
	)

	JobAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Job attempts by outcome (success, retry, discarded, cancelled)",
		},
		[]string{"kind", "outcome"},
	)
)

// JobMetricsHook records queue and execution metrics for every job kind.
// Attempt durations are measured from the row's attempted_at, so the hook
// keeps no state of its own.
type JobMetricsHook struct {
	river.HookDefaults
	now func() time.Time
}

func NewJobMetricsHook() *JobMetricsHook {
	return &JobMetricsHook{now: time.Now}
}

func (h *JobMetricsHook) InsertBegin(_ context.Context, params *rivertype.JobInsertParams) error {
	JobsQueued.WithLabelValues(params.Kind).Inc()
	return nil
}

func (h *JobMetricsHook) WorkBegin(_ context.Context, job *rivertype.JobRow) error {
	JobsInFlight.WithLabelValues(job.Kind).Inc()
	return nil
}

func (h *JobMetricsHook) WorkEnd(_ context.Context, job *rivertype.JobRow, err error) error {
	JobsInFlight.WithLabelValues(job.Kind).Dec()
	if job.AttemptedAt != nil {
		JobDuration.WithLabelValues(job.Kind).Observe(h.now().Sub(*job.AttemptedAt).Seconds())
	}
	JobAttempts.WithLabelValues(job.Kind, JobOutcome(job, err)).Inc()
	return nil
}

// JobOutcome names what River will do with a job after an attempt.
func JobOutcome(job *rivertype.JobRow, err error) string {
	var cancel *rivertype.JobCancelError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &cancel):
		return "cancelled"
	case job.Attempt >= job.MaxAttempts:
		return "discarded"
	default:
		return "retry"
	}
}
