package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// AlertFunc receives jobs that will not run again: they used their last
// attempt or were cancelled after a panic.
type AlertFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// FailureHandler is River's error handler for the loader queues.
type FailureHandler struct {
	Logger *slog.Logger
	Alert  AlertFunc
}

func NewFailureHandler(logger *slog.Logger, alert AlertFunc) *FailureHandler {
	return &FailureHandler{Logger: logger, Alert: alert}
}

func (h *FailureHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	final := job.Attempt >= job.MaxAttempts
	level := slog.LevelWarn
	if final {
		level = slog.LevelError
	}
	h.log(ctx, level, "job attempt failed", job, err)
	if final {
		h.alert(ctx, job, err)
	}
	return nil
}

// HandlePanic cancels a load_run outright: the same document would panic
// on every retry. Other kinds follow their retry policy.
func (h *FailureHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	err := fmt.Errorf("panic: %v", panicVal)
	h.log(ctx, slog.LevelError, "job panicked", job, err, "trace", trace)

	if job.Kind == JobKindLoadRun {
		h.alert(ctx, job, err)
		return &river.ErrorHandlerResult{SetCancelled: true}
	}
	if job.Attempt >= job.MaxAttempts {
		h.alert(ctx, job, err)
	}
	return nil
}

func (h *FailureHandler) log(ctx context.Context, level slog.Level, msg string, job *rivertype.JobRow, err error, extra ...any) {
	if h.Logger == nil {
		return
	}
	attrs := []any{
		"job_id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"error", err,
	}
	if source := loadSource(job); source != "" {
		attrs = append(attrs, "source", source)
	}
	h.Logger.Log(ctx, level, msg, append(attrs, extra...)...)
}

func (h *FailureHandler) alert(ctx context.Context, job *rivertype.JobRow, err error) {
	if h.Alert != nil {
		h.Alert(ctx, job, err)
	}
}

// loadSource pulls the document location out of a load_run job's args.
func loadSource(job *rivertype.JobRow) string {
	if job.Kind != JobKindLoadRun || len(job.EncodedArgs) == 0 {
		return ""
	}
	var args LoadRunArgs
	if err := json.Unmarshal(job.EncodedArgs, &args); err != nil {
		return ""
	}
	return args.Source
}
