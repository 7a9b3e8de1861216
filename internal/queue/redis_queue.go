package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mediaqueue/internal/models"
)

// Options tunes broker behaviour. Zero values fall back to defaults.
type Options struct {
	Name              string
	DefaultAttempts   int
	DefaultBackoff    models.Backoff
	BackoffMax        time.Duration
	LeaseDuration     time.Duration
	JobRetention      time.Duration
	KeepCompleted     int64
	KeepFailed        int64
	SessionScanWindow int64
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "media"
	}
	if o.DefaultAttempts <= 0 {
		o.DefaultAttempts = 3
	}
	if o.DefaultBackoff.Type == "" {
		o.DefaultBackoff = models.DefaultBackoff()
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.JobRetention <= 0 {
		o.JobRetention = 24 * time.Hour
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 1000
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 5000
	}
	if o.SessionScanWindow <= 0 {
		o.SessionScanWindow = 200
	}
	return o
}

// Broker is a durable priority queue in Redis. Producers use Enqueue and the
// query methods; workers use the lease protocol in lease.go.
type Broker struct {
	client *redis.Client
	opts   Options

	prefix       string
	waitKey      string
	delayedKey   string
	activeKey    string
	completedKey string
	failedKey    string

	closeOnce sync.Once
	closeErr  error
}

// New builds a broker over an existing client. The broker owns the client and
// closes it in Close.
func New(client *redis.Client, opts Options) *Broker {
	opts = opts.withDefaults()
	prefix := fmt.Sprintf("mq:%s:", opts.Name)
	return &Broker{
		client:       client,
		opts:         opts,
		prefix:       prefix,
		waitKey:      prefix + "wait",
		delayedKey:   prefix + "delayed",
		activeKey:    prefix + "active",
		completedKey: prefix + "completed",
		failedKey:    prefix + "failed",
	}
}

func (b *Broker) jobKey(id string) string {
	return b.prefix + "job:" + id
}

func (b *Broker) jobKeyPrefix() string {
	return b.prefix + "job:"
}

// Options returns the effective options.
func (b *Broker) Options() Options {
	return b.opts
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection. Calls after the first return the first result.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}

// EnqueueOptions are per-job overrides of the broker defaults.
type EnqueueOptions struct {
	Priority string
	Delay    time.Duration
	Attempts int
	Backoff  *models.Backoff
}

// waitScore orders the wait set by priority, then enqueue time.
func waitScore(priority int, createdMs int64) float64 {
	return float64(priority)*1e13 + float64(createdMs)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Enqueue validates and durably stores a job, returning its id. It never waits
// for the job to run.
func (b *Broker) Enqueue(ctx context.Context, payload models.Payload, opts EnqueueOptions) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload", models.ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	priority, err := models.PriorityValue(opts.Priority)
	if err != nil {
		return "", err
	}
	priorityName := opts.Priority
	if priorityName == "" {
		priorityName = models.PriorityNormal
	}
	if opts.Delay < 0 {
		return "", fmt.Errorf("%w: negative delay", models.ErrInvalidPayload)
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = b.opts.DefaultAttempts
	}
	backoff := b.opts.DefaultBackoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	if err := backoff.Validate(); err != nil {
		return "", err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	backoffJSON, err := json.Marshal(backoff)
	if err != nil {
		return "", fmt.Errorf("marshal backoff: %w", err)
	}

	id := uuid.New().String()
	now := time.Now()
	state := models.StateWaiting
	if opts.Delay > 0 {
		state = models.StateDelayed
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), map[string]any{
		"id":            id,
		"type":          string(payload.JobType()),
		"payload":       payloadJSON,
		"priority":      priority,
		"priority_name": priorityName,
		"session":       payload.Correlation(),
		"attempts_made": 0,
		"max_attempts":  attempts,
		"backoff":       backoffJSON,
		"state":         state,
		"progress":      0,
		"created_at":    now.UnixMilli(),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, b.delayedKey, redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, b.waitKey, redis.Z{Score: waitScore(priority, now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", payload.JobType(), err)
	}
	return id, nil
}

// EnqueueRaw decodes a JSON payload for jobType and enqueues it.
func (b *Broker) EnqueueRaw(ctx context.Context, jobType string, raw json.RawMessage, opts EnqueueOptions) (string, error) {
	t, err := models.ParseJobType(jobType)
	if err != nil {
		return "", err
	}
	payload, err := models.DecodePayload(t, raw)
	if err != nil {
		return "", err
	}
	return b.Enqueue(ctx, payload, opts)
}

// GetJob returns the broker's bookkeeping for id, or models.ErrNotFound.
func (b *Broker) GetJob(ctx context.Context, id string) (models.JobInfo, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return models.JobInfo{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.JobInfo{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return parseJobInfo(fields)
}

// GetJobs fetches many jobs in one round trip. Unknown ids are omitted and
// duplicates collapsed; order follows ids.
func (b *Broker) GetJobs(ctx context.Context, ids []string) ([]models.JobInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(ids))
	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		cmds = append(cmds, pipe.HGetAll(ctx, b.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get jobs: %w", err)
	}
	out := make([]models.JobInfo, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		info, err := parseJobInfo(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// GetJobsBySession scans up to SessionScanWindow entries of every state set
// and keeps jobs whose payload correlation equals sessionID. The wait set is
// read in dequeue order, the others highest score first. Results are newest
// first.
func (b *Broker) GetJobsBySession(ctx context.Context, sessionID string) ([]models.JobInfo, error) {
	if sessionID == "" {
		return nil, nil
	}
	window := b.opts.SessionScanWindow
	pipe := b.client.Pipeline()
	cmds := []*redis.StringSliceCmd{
		pipe.ZRevRange(ctx, b.activeKey, 0, window-1),
		pipe.ZRange(ctx, b.waitKey, 0, window-1),
		pipe.ZRevRange(ctx, b.delayedKey, 0, window-1),
		pipe.ZRevRange(ctx, b.completedKey, 0, window-1),
		pipe.ZRevRange(ctx, b.failedKey, 0, window-1),
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("scan session %s: %w", sessionID, err)
	}
	var ids []string
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val()...)
	}
	jobs, err := b.GetJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.SessionID == sessionID {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}

// GetStats counts jobs per broker state.
func (b *Broker) GetStats(ctx context.Context) (models.QueueStats, error) {
	pipe := b.client.Pipeline()
	wait := pipe.ZCard(ctx, b.waitKey)
	active := pipe.ZCard(ctx, b.activeKey)
	completed := pipe.ZCard(ctx, b.completedKey)
	failed := pipe.ZCard(ctx, b.failedKey)
	delayed := pipe.ZCard(ctx, b.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	stats := models.QueueStats{
		Pending:   wait.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	stats.Total = stats.Pending + stats.Active + stats.Completed + stats.Failed + stats.Delayed
	return stats, nil
}

// ReadyDepth returns the number of jobs waiting to be dequeued.
func (b *Broker) ReadyDepth(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, b.waitKey).Result()
}

func parseJobInfo(f map[string]string) (models.JobInfo, error) {
	info := models.JobInfo{
		ID:           f["id"],
		Type:         models.JobType(f["type"]),
		State:        f["state"],
		Progress:     atoi(f["progress"]),
		Priority:     atoi(f["priority"]),
		PriorityName: f["priority_name"],
		SessionID:    f["session"],
		AttemptsMade: atoi(f["attempts_made"]),
		MaxAttempts:  atoi(f["max_attempts"]),
		FailedReason: f["failed_reason"],
		CreatedAt:    msTime(f["created_at"]),
	}
	info.Status = models.StateToStatus(info.State)
	if p := f["payload"]; p != "" {
		info.Payload = json.RawMessage(p)
	}
	if r := f["result"]; r != "" {
		info.Result = json.RawMessage(r)
	}
	if raw := f["backoff"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Backoff); err != nil {
			return models.JobInfo{}, fmt.Errorf("decode backoff for %s: %w", info.ID, err)
		}
	}
	if v := f["processed_at"]; v != "" {
		t := msTime(v)
		info.ProcessedAt = &t
	}
	if v := f["finished_at"]; v != "" {
		t := msTime(v)
		info.FinishedAt = &t
	}
	return info, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
