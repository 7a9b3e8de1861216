package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mediaqueue/internal/models"
)

// ErrTimeout is returned when the attempt bound is reached before the job
// reaches a terminal state.
var ErrTimeout = errors.New("timed out waiting for job")

// JobFailedError carries the user-facing reason of a terminally failed job.
type JobFailedError struct {
	JobID   string
	Reason  string
	Attempt int
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// StatusReader is the status cache read path.
type StatusReader interface {
	GetJobStatus(ctx context.Context, id string) (*models.JobStatus, error)
}

// JobReader is the broker fallback used on a cache miss.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.JobInfo, error)
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      zerolog.Logger
	OnUpdate    func(models.JobStatus)
}

type Option func(o *Options)

func WithInterval(d time.Duration) Option {
	return func(o *Options) {
		o.Interval = d
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithOnUpdate registers a callback invoked with every status observed.
func WithOnUpdate(fn func(models.JobStatus)) Option {
	return func(o *Options) {
		o.OnUpdate = fn
	}
}

// Poller waits for jobs with a fixed interval and a bounded number of reads.
type Poller struct {
	status StatusReader
	broker JobReader
	opts   Options
}

// New builds a poller. broker may be nil, in which case cache misses simply
// count as a pending read.
func New(status StatusReader, broker JobReader, options ...Option) *Poller {
	opts := Options{
		Interval:    time.Second,
		MaxAttempts: 120,
		Logger:      zerolog.Nop(),
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Poller{status: status, broker: broker, opts: opts}
}

// Wait polls until jobID completes, fails terminally, the attempt bound is
// reached or ctx is done. A completed job returns its status; a failed one
// returns *JobFailedError.
func (p *Poller) Wait(ctx context.Context, jobID string) (*models.JobStatus, error) {
	logger := p.opts.Logger.With().Str("job_id", jobID).Logger()
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		st, err := p.Check(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("poll read failed")
		}
		if st != nil {
			if p.opts.OnUpdate != nil {
				p.opts.OnUpdate(*st)
			}
			if st.Terminal() {
				if st.Status == models.StatusFailed {
					return st, &JobFailedError{JobID: jobID, Reason: st.Error, Attempt: st.Attempt}
				}
				return st, nil
			}
		}
		if attempt == p.opts.MaxAttempts {
			break
		}
		t := time.NewTimer(p.opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w %s after %d polls", ErrTimeout, jobID, p.opts.MaxAttempts)
}

// Check reads the current status once: cache first, broker on a miss.
func (p *Poller) Check(ctx context.Context, jobID string) (*models.JobStatus, error) {
	st, cacheErr := p.status.GetJobStatus(ctx, jobID)
	if cacheErr == nil && st != nil {
		return st, nil
	}
	if p.broker == nil {
		return nil, cacheErr
	}
	info, err := p.broker.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return info.AsStatus()
}
