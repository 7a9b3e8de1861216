package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mediaqueue/internal/models"
	"mediaqueue/internal/queue"
	"mediaqueue/internal/ratelimit"
	"mediaqueue/internal/status"
	"mediaqueue/internal/store"
)

type eventLog struct {
	mu     sync.Mutex
	events map[string][]string
}

func (e *eventLog) AppendEvent(_ context.Context, jobID, event, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events == nil {
		e.events = make(map[string][]string)
	}
	e.events[jobID] = append(e.events[jobID], event)
	return nil
}

func (e *eventLog) get(jobID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events[jobID]...)
}

type harness struct {
	mr     *miniredis.Miniredis
	broker *queue.Broker
	cache  *status.Cache
	events *eventLog
}

func newHarness(t *testing.T, opts queue.Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if opts.Name == "" {
		opts.Name = "test"
	}
	b := queue.New(client, opts)
	t.Cleanup(func() { _ = b.Close() })
	return &harness{
		mr:     mr,
		broker: b,
		cache:  status.New(client, "test", time.Hour),
		events: &eventLog{},
	}
}

func (h *harness) pool(t *testing.T, concurrency int, limiter ratelimit.Limiter) *Pool {
	t.Helper()
	p, err := NewPool(Options{
		Concurrency:   concurrency,
		Broker:        h.broker,
		Cache:         h.cache,
		Limiter:       limiter,
		Logger:        zerolog.Nop(),
		PollInterval:  5 * time.Millisecond,
		LeaseDuration: h.broker.Options().LeaseDuration,
		WorkerID:      "test-worker",
		Events:        h.events,
	})
	require.NoError(t, err)
	return p
}

// start runs the pool until the returned stop func is called.
func start(p *Pool) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (h *harness) waitTerminal(t *testing.T, id string) *models.JobStatus {
	t.Helper()
	var st *models.JobStatus
	require.Eventually(t, func() bool {
		got, err := h.cache.GetJobStatus(context.Background(), id)
		if err != nil || got == nil || !got.Terminal() {
			return false
		}
		st = got
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func (h *harness) waitEvents(t *testing.T, id string, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := h.events.get(id)
		return len(got) == len(want)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, want, h.events.get(id))
}

func upscaleJob(t *testing.T, h *harness, opts queue.EnqueueOptions) string {
	t.Helper()
	id, err := h.broker.Enqueue(context.Background(), &models.UpscalePayload{SourceImageURL: "https://example.com/a.png"}, opts)
	require.NoError(t, err)
	return id
}

func okResult() models.Result {
	return &models.UpscaleResult{ResultMeta: models.ResultMeta{Success: true}, ImageID: "img", ImageURL: "https://cdn/img.png", Scale: 2}
}

func TestNewPoolValidatesOptions(t *testing.T) {
	h := newHarness(t, queue.Options{})
	_, err := NewPool(Options{Concurrency: 1, Cache: h.cache})
	require.Error(t, err)
	_, err = NewPool(Options{Concurrency: 0, Broker: h.broker, Cache: h.cache})
	require.Error(t, err)
}

func TestPoolCompletesJob(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 2, nil)

	var seen []int
	var mu sync.Mutex
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		require.Equal(t, 1, job.Attempt)
		require.IsType(t, &models.UpscalePayload{}, job.Payload)
		job.Progress(ctx, 40)
		got, err := h.cache.GetJobStatus(ctx, job.ID)
		require.NoError(t, err)
		mu.Lock()
		seen = append(seen, got.Progress)
		mu.Unlock()
		require.Equal(t, models.StatusActive, got.Status)
		job.Progress(ctx, 20) // ignored: progress never moves backwards
		time.Sleep(5 * time.Millisecond)
		return okResult(), nil
	})

	id := upscaleJob(t, h, queue.EnqueueOptions{})
	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusCompleted, st.Status)
	require.Equal(t, 100, st.Progress)
	require.Empty(t, st.Error)
	res, ok := st.Result.(*models.UpscaleResult)
	require.True(t, ok)
	require.True(t, res.Success)
	require.GreaterOrEqual(t, res.Duration, int64(5))
	require.Equal(t, []int{40}, seen)

	require.Eventually(t, func() bool {
		info, err := h.broker.GetJob(context.Background(), id)
		return err == nil && info.State == models.StateCompleted
	}, time.Second, 5*time.Millisecond)
	info, err := h.broker.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, info.AttemptsMade)
	h.waitEvents(t, id, store.EventCompleted)
}

func TestPoolRetriesThenFails(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 1, nil)

	var calls atomic.Int32
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		calls.Add(1)
		return nil, errors.New("provider unavailable")
	})

	id := upscaleJob(t, h, queue.EnqueueOptions{
		Attempts: 3,
		Backoff:  &models.Backoff{Type: models.BackoffFixed, Delay: 0},
	})
	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusFailed, st.Status)
	require.False(t, st.Retrying)
	require.Equal(t, "provider unavailable", st.Error)
	require.Nil(t, st.Result)
	require.Equal(t, 3, st.Attempt)
	require.Equal(t, int32(3), calls.Load())
	h.waitEvents(t, id, store.EventRetrying, store.EventRetrying, store.EventFailed)

	info, err := h.broker.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, info.Status)
	require.Equal(t, 3, info.AttemptsMade)
}

func TestPoolFailsUnknownTypeWithoutRetry(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 1, nil)

	id := upscaleJob(t, h, queue.EnqueueOptions{Attempts: 5})
	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusFailed, st.Status)
	require.Contains(t, st.Error, "unknown job type")

	info, err := h.broker.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, info.AttemptsMade)
}

func TestPoolHandlerPanicFailsAttempt(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 1, nil)
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		panic("boom")
	})

	id := upscaleJob(t, h, queue.EnqueueOptions{Attempts: 1})
	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusFailed, st.Status)
	require.Contains(t, st.Error, "boom")
}

func TestPoolFailsTypedNilResult(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 1, nil)
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		return (*models.UpscaleResult)(nil), nil
	})

	id := upscaleJob(t, h, queue.EnqueueOptions{Attempts: 1})
	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusFailed, st.Status)
	require.Equal(t, errNoResult.Error(), st.Error)
	h.waitEvents(t, id, store.EventFailed)
}

func TestPoolLateSuccessKeepsReclaimedFailure(t *testing.T) {
	h := newHarness(t, queue.Options{})
	ctx := context.Background()
	p := h.pool(t, 1, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		close(started)
		<-release
		return okResult(), nil
	})

	id := upscaleJob(t, h, queue.EnqueueOptions{Attempts: 1})
	stop := start(p)
	<-started

	// Another maintainer reclaims the lease of the only attempt mid-run.
	reclaimed, err := h.broker.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{id}, reclaimed)
	p.publishReclaimed(ctx, id)

	close(release)
	stop()

	st, err := h.cache.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, models.StatusFailed, st.Status)
	require.False(t, st.Retrying)
	require.Equal(t, []string{store.EventFailed}, h.events.get(id))

	info, err := h.broker.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, info.State)
	require.Equal(t, 1, info.AttemptsMade)

	stats, err := h.broker.GetStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Completed)
	require.Equal(t, int64(1), stats.Total)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 2, nil)

	var running, peak atomic.Int32
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return okResult(), nil
	})

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = upscaleJob(t, h, queue.EnqueueOptions{})
	}
	stop := start(p)
	defer stop()

	for _, id := range ids {
		require.Equal(t, models.StatusCompleted, h.waitTerminal(t, id).Status)
	}
	require.Equal(t, int32(2), peak.Load())
}

func TestPoolTakesUrgentFirstUnderSaturation(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 1, nil)

	var mu sync.Mutex
	var order []string
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return okResult(), nil
	})

	var batch []string
	for i := 0; i < 3; i++ {
		batch = append(batch, upscaleJob(t, h, queue.EnqueueOptions{Priority: models.PriorityBatch}))
	}
	urgent := upscaleJob(t, h, queue.EnqueueOptions{Priority: models.PriorityUrgent})

	stop := start(p)
	defer stop()
	for _, id := range append(batch, urgent) {
		h.waitTerminal(t, id)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, urgent, order[0])
	require.ElementsMatch(t, batch, order[1:])
}

func TestPoolReturnsLimiterSlotOnEmptyPoll(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 1, ratelimit.PerMinute(1))
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		return okResult(), nil
	})

	stop := start(p)
	defer stop()
	// Several empty polls happen first; none may use up the single slot.
	time.Sleep(50 * time.Millisecond)

	id := upscaleJob(t, h, queue.EnqueueOptions{})
	require.Equal(t, models.StatusCompleted, h.waitTerminal(t, id).Status)
}

func TestPoolDrainsInFlightOnShutdown(t *testing.T) {
	h := newHarness(t, queue.Options{})
	p := h.pool(t, 1, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		close(started)
		<-release
		require.NoError(t, ctx.Err())
		return okResult(), nil
	})

	id := upscaleJob(t, h, queue.EnqueueOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	require.Equal(t, 1, p.InFlight())
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight attempt finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.ErrorIs(t, <-done, context.Canceled)
	require.Zero(t, p.InFlight())

	st, err := h.cache.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, st.Status)
}

func TestPoolRenewsLeaseOfLongAttempt(t *testing.T) {
	h := newHarness(t, queue.Options{LeaseDuration: 150 * time.Millisecond})
	p := h.pool(t, 1, nil)

	var calls atomic.Int32
	p.Register(models.JobTypeUpscale, func(ctx context.Context, job *Job) (models.Result, error) {
		calls.Add(1)
		time.Sleep(500 * time.Millisecond)
		return okResult(), nil
	})

	id := upscaleJob(t, h, queue.EnqueueOptions{Attempts: 3})
	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusCompleted, st.Status)
	require.Equal(t, int32(1), calls.Load())

	info, err := h.broker.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, info.AttemptsMade)
}

func TestMaintenanceReclaimsAbandonedLease(t *testing.T) {
	h := newHarness(t, queue.Options{LeaseDuration: 10 * time.Millisecond})
	ctx := context.Background()

	id := upscaleJob(t, h, queue.EnqueueOptions{
		Attempts: 2,
		Backoff:  &models.Backoff{Type: models.BackoffFixed, Delay: time.Hour},
	})
	// A worker that crashed after dequeue.
	_, ok, err := h.broker.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(20 * time.Millisecond)

	p := h.pool(t, 1, nil)
	p.maintainOnce(ctx)

	st, err := h.cache.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, models.StatusFailed, st.Status)
	require.True(t, st.Retrying)
	require.Equal(t, queue.ErrLeaseExpired.Error(), st.Error)
	require.Equal(t, []string{store.EventRetrying}, h.events.get(id))

	info, err := h.broker.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StateDelayed, info.State)
}

func TestProgressReporterIsMonotonic(t *testing.T) {
	var published []int
	r := &progressReporter{publish: func(_ context.Context, pct int) { published = append(published, pct) }}
	for _, v := range []int{10, 5, 10, 50, -3, 250, 99} {
		r.report(context.Background(), v)
	}
	require.Equal(t, []int{10, 50, 100}, published)
	require.Equal(t, 100, r.value())
}
