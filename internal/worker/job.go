package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"mediaqueue/internal/models"
)

// Handler executes one attempt of a job. A nil error with a nil result is
// treated as a failure.
type Handler func(ctx context.Context, job *Job) (models.Result, error)

// Job is what a handler sees of the attempt it is running.
type Job struct {
	ID      string
	Type    models.JobType
	Attempt int
	Payload models.Payload
	Logger  zerolog.Logger

	progress *progressReporter
}

// Progress reports completion in percent. Values are clamped to [0,100] and
// never move backwards within an attempt.
func (j *Job) Progress(ctx context.Context, pct int) {
	if j.progress != nil {
		j.progress.report(ctx, pct)
	}
}

type progressReporter struct {
	mu      sync.Mutex
	current int
	publish func(ctx context.Context, pct int)
}

func (r *progressReporter) report(ctx context.Context, pct int) {
	pct = max(0, min(100, pct))
	r.mu.Lock()
	defer r.mu.Unlock()
	if pct <= r.current {
		return
	}
	r.current = pct
	r.publish(ctx, pct)
}

func (r *progressReporter) value() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
