package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/rs/zerolog"

	"mediaqueue/internal/models"
	"mediaqueue/internal/queue"
	"mediaqueue/internal/ratelimit"
	"mediaqueue/internal/store"
	"mediaqueue/internal/telemetry"
)

// Broker is the subset of the queue the pool drives.
type Broker interface {
	Dequeue(ctx context.Context) (models.JobInfo, bool, error)
	GetJob(ctx context.Context, id string) (models.JobInfo, error)
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string, result models.Result) error
	Fail(ctx context.Context, id string, cause error) (queue.FailOutcome, error)
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	GetStats(ctx context.Context) (models.QueueStats, error)
}

// StatusWriter receives every status transition of an attempt.
type StatusWriter interface {
	SetJobStatus(ctx context.Context, st models.JobStatus) (models.JobStatus, error)
}

// EventRecorder keeps a durable audit trail of terminal transitions.
type EventRecorder interface {
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Options configures a Pool.
type Options struct {
	Concurrency         int
	Broker              Broker
	Cache               StatusWriter
	Limiter             ratelimit.Limiter
	Logger              zerolog.Logger
	PollInterval        time.Duration
	LeaseDuration       time.Duration
	MaintenanceInterval time.Duration
	WorkerID            string
	// Events is optional.
	Events EventRecorder
}

const maintenanceBatch = 100

type inflightJob struct {
	jobType models.JobType
	started time.Time
}

// Pool runs up to Concurrency attempts at once. Each slot owns one job from
// dequeue to its terminal broker transition.
type Pool struct {
	opts     Options
	logger   zerolog.Logger
	mu       sync.RWMutex
	handlers map[models.JobType]Handler
	inflight *haxmap.Map[string, *inflightJob]
}

// NewPool validates opts and applies defaults.
func NewPool(opts Options) (*Pool, error) {
	if opts.Broker == nil {
		return nil, errors.New("worker: broker is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("worker: status cache is required")
	}
	if opts.Concurrency <= 0 {
		return nil, fmt.Errorf("worker: concurrency must be positive, got %d", opts.Concurrency)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 30 * time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = max(opts.LeaseDuration/3, 10*time.Millisecond)
	}
	logger := opts.Logger.With().Str("component", "worker")
	if opts.WorkerID != "" {
		logger = logger.Str("worker_id", opts.WorkerID)
	}
	return &Pool{
		opts:     opts,
		logger:   logger.Logger(),
		handlers: make(map[models.JobType]Handler),
		inflight: haxmap.New[string, *inflightJob](),
	}, nil
}

// Register binds a handler to a job type. Types without a handler fail
// permanently when dequeued.
func (p *Pool) Register(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.mu.Lock()
	p.handlers[jobType] = handler
	p.mu.Unlock()
}

func (p *Pool) handler(jobType models.JobType) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// InFlight reports attempts currently executing in this pool.
func (p *Pool) InFlight() int {
	return int(p.inflight.Len())
}

// Run starts the slots and the maintenance loop. It stops taking work when ctx
// is cancelled and returns once every in-flight attempt has finished.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Int("concurrency", p.opts.Concurrency).
		Dur("lease", p.opts.LeaseDuration).
		Dur("poll_interval", p.opts.PollInterval).
		Msg("worker pool started")

	maintCtx, stopMaint := context.WithCancel(context.WithoutCancel(ctx))
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		p.maintain(maintCtx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.slot(ctx, slot)
		}(i)
	}
	wg.Wait()

	// Leases of draining attempts are renewed until the last one finishes.
	stopMaint()
	<-maintDone
	p.logger.Info().Msg("worker pool stopped")
	return ctx.Err()
}

func (p *Pool) slot(ctx context.Context, slot int) {
	logger := p.logger.With().Int("slot", slot).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.opts.Limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("rate limiter")
				sleep(ctx, p.opts.PollInterval)
			}
			continue
		}
		info, ok, err := p.opts.Broker.Dequeue(ctx)
		if err != nil || !ok {
			p.opts.Limiter.Undo(context.WithoutCancel(ctx))
			if err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("dequeue failed")
			}
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		// An attempt runs to completion even during shutdown.
		p.execute(context.WithoutCancel(ctx), info)
	}
}

func (p *Pool) execute(ctx context.Context, info models.JobInfo) {
	start := time.Now()
	attempt := info.AttemptsMade + 1
	logger := p.logger.With().
		Str("job_id", info.ID).
		Str("type", string(info.Type)).
		Int("attempt", attempt).
		Int("max_attempts", info.MaxAttempts).
		Logger()

	p.inflight.Set(info.ID, &inflightJob{jobType: info.Type, started: start})
	telemetry.InFlight.Inc()
	defer func() {
		p.inflight.Del(info.ID)
		telemetry.InFlight.Dec()
	}()

	reporter := &progressReporter{}
	handler, ok := p.handler(info.Type)
	if !ok {
		p.fail(ctx, logger, info, attempt, start, reporter,
			queue.Permanent(fmt.Errorf("%w: no handler for %q", models.ErrUnknownJobType, info.Type)))
		return
	}
	payload, err := models.DecodePayload(info.Type, info.Payload)
	if err == nil {
		err = payload.Validate()
	}
	if err != nil {
		p.fail(ctx, logger, info, attempt, start, reporter, queue.Permanent(err))
		return
	}

	p.writeStatus(ctx, logger, models.JobStatus{
		ID:      info.ID,
		Type:    info.Type,
		Status:  models.StatusActive,
		Attempt: attempt,
	})
	reporter.publish = func(ctx context.Context, pct int) {
		p.writeStatus(ctx, logger, models.JobStatus{
			ID:       info.ID,
			Type:     info.Type,
			Status:   models.StatusActive,
			Progress: pct,
			Attempt:  attempt,
		})
		if err := p.opts.Broker.UpdateProgress(ctx, info.ID, pct); err != nil {
			logger.Warn().Err(err).Int("progress", pct).Msg("mirror progress to broker")
		}
	}
	logger.Info().Msg("job started")

	job := &Job{
		ID:       info.ID,
		Type:     info.Type,
		Attempt:  attempt,
		Payload:  payload,
		Logger:   logger,
		progress: reporter,
	}
	result, err := invoke(ctx, handler, job)
	elapsed := time.Since(start)
	if err == nil {
		err = stampDuration(result, elapsed)
	}
	if err != nil {
		p.fail(ctx, logger, info, attempt, start, reporter, err)
		return
	}

	// The broker decides first so a late success cannot overwrite a
	// terminal failure already published for a reclaimed lease.
	err = p.opts.Broker.Complete(ctx, info.ID, result)
	switch {
	case errors.Is(err, queue.ErrNotActive):
		logger.Warn().Dur("duration", elapsed).Msg("attempt finished after its lease was reclaimed")
		return
	case err != nil:
		// The lease will lapse and maintenance will redeliver the job.
		logger.Error().Err(err).Msg("broker complete failed")
		return
	}
	p.writeStatus(ctx, logger, models.JobStatus{
		ID:       info.ID,
		Type:     info.Type,
		Status:   models.StatusCompleted,
		Progress: 100,
		Result:   result,
		Attempt:  attempt,
	})
	telemetry.JobsCompleted.WithLabelValues(string(info.Type)).Inc()
	telemetry.JobDuration.WithLabelValues(string(info.Type), "completed").Observe(elapsed.Seconds())
	p.recordEvent(ctx, logger, info.ID, store.EventCompleted, fmt.Sprintf("attempt %d in %s", attempt, elapsed.Round(time.Millisecond)))
	logger.Info().Dur("duration", elapsed).Msg("job completed")
}

// fail hands the failed attempt to the broker, which decides on redelivery,
// then publishes the outcome.
func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, info models.JobInfo, attempt int, start time.Time, reporter *progressReporter, cause error) {
	elapsed := time.Since(start)
	reason := queue.Reason(cause)

	outcome, err := p.opts.Broker.Fail(ctx, info.ID, cause)
	switch {
	case errors.Is(err, queue.ErrNotActive):
		logger.Warn().Str("reason", reason).Msg("attempt finished after its lease was reclaimed")
		return
	case err != nil:
		// The lease will lapse and maintenance will count the attempt.
		logger.Error().Err(err).Msg("broker fail failed")
		outcome.Retrying = !queue.IsPermanent(cause) && attempt < info.MaxAttempts
	}

	p.writeStatus(ctx, logger, models.JobStatus{
		ID:       info.ID,
		Type:     info.Type,
		Status:   models.StatusFailed,
		Progress: reporter.value(),
		Error:    reason,
		Attempt:  attempt,
		Retrying: outcome.Retrying,
	})
	telemetry.JobDuration.WithLabelValues(string(info.Type), "failed").Observe(elapsed.Seconds())

	if outcome.Retrying {
		telemetry.JobsRetried.WithLabelValues(string(info.Type)).Inc()
		p.recordEvent(ctx, logger, info.ID, store.EventRetrying, fmt.Sprintf("attempt %d: %s", attempt, reason))
		logger.Warn().Err(cause).Time("next_run_at", outcome.NextRunAt).Msg("job attempt failed, will retry")
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(info.Type)).Inc()
	p.recordEvent(ctx, logger, info.ID, store.EventFailed, fmt.Sprintf("attempt %d: %s", attempt, reason))
	logger.Error().Err(cause).Bool("permanent", queue.IsPermanent(cause)).Msg("job failed")
}

func invoke(ctx context.Context, h Handler, job *Job) (res models.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			job.Logger.Error().Str("stack", string(debug.Stack())).Msg("handler panic")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

var errNoResult = errors.New("handler returned no result")

// stampDuration records the attempt duration on res. Nil results, including
// typed nil pointers, are reported as errNoResult.
func stampDuration(res models.Result, elapsed time.Duration) (err error) {
	if res == nil {
		return errNoResult
	}
	defer func() {
		if recover() != nil {
			err = errNoResult
		}
	}()
	meta := res.Meta()
	if meta == nil {
		return errNoResult
	}
	meta.Duration = elapsed.Milliseconds()
	return nil
}

func (p *Pool) writeStatus(ctx context.Context, logger zerolog.Logger, st models.JobStatus) {
	if _, err := p.opts.Cache.SetJobStatus(ctx, st); err != nil {
		logger.Warn().Err(err).Str("status", string(st.Status)).Msg("status cache write failed")
	}
}

func (p *Pool) recordEvent(ctx context.Context, logger zerolog.Logger, jobID, event, detail string) {
	if p.opts.Events == nil {
		return
	}
	if err := p.opts.Events.AppendEvent(ctx, jobID, event, detail); err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("append job event")
	}
}

func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		p.maintainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) maintainOnce(ctx context.Context) {
	now := time.Now()
	if _, err := p.opts.Broker.PromoteDelayed(ctx, now, maintenanceBatch); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("promote delayed")
	}

	p.inflight.ForEach(func(id string, _ *inflightJob) bool {
		if err := p.opts.Broker.ExtendLease(ctx, id, p.opts.LeaseDuration); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("job_id", id).Msg("extend lease")
		}
		return true
	})

	reclaimed, err := p.opts.Broker.RequeueExpired(ctx, now, maintenanceBatch)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("requeue expired")
	}
	if len(reclaimed) > 0 {
		telemetry.LeasesExpired.Add(float64(len(reclaimed)))
		for _, id := range reclaimed {
			p.publishReclaimed(ctx, id)
		}
	}

	if stats, err := p.opts.Broker.GetStats(ctx); err == nil {
		telemetry.QueueDepth.WithLabelValues(models.StateWaiting).Set(float64(stats.Pending))
		telemetry.QueueDepth.WithLabelValues(models.StateDelayed).Set(float64(stats.Delayed))
		telemetry.QueueDepth.WithLabelValues(models.StateActive).Set(float64(stats.Active))
		telemetry.QueueDepth.WithLabelValues(models.StateCompleted).Set(float64(stats.Completed))
		telemetry.QueueDepth.WithLabelValues(models.StateFailed).Set(float64(stats.Failed))
	}
}

// publishReclaimed refreshes the status entry of a job whose lease lapsed so
// pollers do not wait on a stale active entry.
func (p *Pool) publishReclaimed(ctx context.Context, id string) {
	info, err := p.opts.Broker.GetJob(ctx, id)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", id).Msg("load reclaimed job")
		return
	}
	logger := p.logger.With().Str("job_id", id).Logger()
	p.writeStatus(ctx, logger, models.JobStatus{
		ID:       info.ID,
		Type:     info.Type,
		Status:   models.StatusFailed,
		Error:    info.FailedReason,
		Attempt:  info.AttemptsMade,
		Retrying: info.Status != models.StatusFailed,
	})
	event := store.EventRetrying
	if info.Status == models.StatusFailed {
		event = store.EventFailed
		telemetry.JobsFailed.WithLabelValues(string(info.Type)).Inc()
	} else {
		telemetry.JobsRetried.WithLabelValues(string(info.Type)).Inc()
	}
	p.recordEvent(ctx, logger, id, event, queue.Reason(queue.ErrLeaseExpired))
	logger.Warn().Bool("retrying", info.Status != models.StatusFailed).Msg("lease expired, job reclaimed")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
