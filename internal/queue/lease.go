package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mediaqueue/internal/models"
)

// maxReasonLen bounds the failure reason stored with a job.
const maxReasonLen = 512

// Dequeue pops the lowest-score waiting job and leases it for LeaseDuration.
// It returns ok=false when nothing is waiting.
func (b *Broker) Dequeue(ctx context.Context) (models.JobInfo, bool, error) {
	for {
		now := time.Now()
		deadline := now.Add(b.opts.LeaseDuration).UnixMilli()
		res, err := dequeueScript.Run(ctx, b.client,
			[]string{b.waitKey, b.activeKey},
			deadline, now.UnixMilli(), b.jobKeyPrefix(),
		).Result()
		if errors.Is(err, redis.Nil) {
			return models.JobInfo{}, false, nil
		}
		if err != nil {
			return models.JobInfo{}, false, fmt.Errorf("dequeue: %w", err)
		}
		id, ok := res.(string)
		if !ok {
			return models.JobInfo{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
		}
		info, err := b.GetJob(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			// Record expired while waiting; drop the dangling lease and try the next one.
			_ = b.client.ZRem(ctx, b.activeKey, id).Err()
			continue
		}
		if err != nil {
			return models.JobInfo{}, false, err
		}
		return info, true, nil
	}
}

// ExtendLease pushes the lease deadline of an active job forward. Jobs no
// longer active are left alone.
func (b *Broker) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return b.client.ZAddXX(ctx, b.activeKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// UpdateProgress mirrors a progress tick into the broker record.
func (b *Broker) UpdateProgress(ctx context.Context, id string, progress int) error {
	return b.client.HSet(ctx, b.jobKey(id), "progress", progress).Err()
}

// maxTransitionRetries bounds optimistic retries when a job record changes
// between the state check and the write.
const maxTransitionRetries = 3

// transition runs fn with the job record under WATCH. A concurrent write to
// the record aborts fn's transaction and fn runs again against the new state.
func (b *Broker) transition(ctx context.Context, id string, fn func(tx *redis.Tx) error) error {
	key := b.jobKey(id)
	for i := 0; i < maxTransitionRetries; i++ {
		err := b.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", id, redis.TxFailedErr)
}

// Complete records a successful attempt and its result. It returns
// ErrNotActive when the job left the active state first, for example because
// its lease lapsed and the attempt was already counted as failed.
func (b *Broker) Complete(ctx context.Context, id string, result models.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	key := b.jobKey(id)

	err = b.transition(ctx, id, func(tx *redis.Tx) error {
		state, err := tx.HGet(ctx, key, "state").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if state != models.StateActive {
			return ErrNotActive
		}
		now := time.Now().UnixMilli()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, b.activeKey, id)
			pipe.ZAdd(ctx, b.completedKey, redis.Z{Score: float64(now), Member: id})
			pipe.HIncrBy(ctx, key, "attempts_made", 1)
			pipe.HSet(ctx, key, map[string]any{
				"state":         models.StateCompleted,
				"progress":      100,
				"result":        resultJSON,
				"finished_at":   now,
				"failed_reason": "",
			})
			pipe.Expire(ctx, key, b.opts.JobRetention)
			pipe.ZRemRangeByRank(ctx, b.completedKey, 0, -(b.opts.KeepCompleted + 1))
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, ErrNotActive) && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return err
}

// FailOutcome tells the caller what the broker decided for a failed attempt.
type FailOutcome struct {
	Retrying     bool
	AttemptsMade int
	MaxAttempts  int
	NextRunAt    time.Time
}

// Fail records a failed attempt. The job is retried per its backoff policy
// unless cause is permanent or attempts are exhausted. Jobs no longer active
// are left untouched and ErrNotActive is returned.
func (b *Broker) Fail(ctx context.Context, id string, cause error) (FailOutcome, error) {
	reason := Reason(cause)
	key := b.jobKey(id)
	var outcome FailOutcome

	err := b.transition(ctx, id, func(tx *redis.Tx) error {
		info, err := b.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if info.State != models.StateActive {
			outcome = FailOutcome{AttemptsMade: info.AttemptsMade, MaxAttempts: info.MaxAttempts}
			return ErrNotActive
		}
		attempts := info.AttemptsMade + 1
		outcome = FailOutcome{AttemptsMade: attempts, MaxAttempts: info.MaxAttempts}
		now := time.Now()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, b.activeKey, id)
			if IsPermanent(cause) || attempts >= info.MaxAttempts {
				pipe.ZAdd(ctx, b.failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
				pipe.HSet(ctx, key, map[string]any{
					"state":         models.StateFailed,
					"attempts_made": attempts,
					"failed_reason": reason,
					"finished_at":   now.UnixMilli(),
				})
				pipe.Expire(ctx, key, b.opts.JobRetention)
				pipe.ZRemRangeByRank(ctx, b.failedKey, 0, -(b.opts.KeepFailed + 1))
				return nil
			}
			wait := info.Backoff.Next(attempts, b.opts.BackoffMax)
			outcome.Retrying = true
			outcome.NextRunAt = now.Add(wait)
			state := models.StateWaiting
			if wait > 0 {
				state = models.StateDelayed
				pipe.ZAdd(ctx, b.delayedKey, redis.Z{Score: float64(outcome.NextRunAt.UnixMilli()), Member: id})
			} else {
				pipe.ZAdd(ctx, b.waitKey, redis.Z{Score: waitScore(info.Priority, info.CreatedAt.UnixMilli()), Member: id})
			}
			pipe.HSet(ctx, key, map[string]any{
				"state":         state,
				"attempts_made": attempts,
				"failed_reason": reason,
				"progress":      0,
			})
			return nil
		})
		return err
	})
	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, ErrNotActive):
		return outcome, err
	case errors.Is(err, models.ErrNotFound):
		return FailOutcome{}, err
	default:
		return FailOutcome{}, fmt.Errorf("fail %s: %w", id, err)
	}
}

// PromoteDelayed moves due delayed jobs into the wait set. It returns how many moved.
func (b *Broker) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		ok, err := b.moveToWait(ctx, b.delayedKey, id)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// RequeueExpired reclaims jobs whose lease lapsed, counting the lapse as a
// failed attempt so a job that keeps crashing workers eventually fails.
func (b *Broker) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.activeKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		// Claim first so concurrent maintainers do not double-count the attempt.
		removed, err := b.client.ZRem(ctx, b.activeKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}
		if _, err := b.Fail(ctx, id, ErrLeaseExpired); err != nil {
			// Finished by its worker or expired between the scan and the claim.
			if errors.Is(err, ErrNotActive) || errors.Is(err, models.ErrNotFound) {
				continue
			}
			return reclaimed, err
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

func (b *Broker) moveToWait(ctx context.Context, from, id string) (bool, error) {
	fields, err := b.client.HMGet(ctx, b.jobKey(id), "priority", "created_at").Result()
	if err != nil {
		return false, err
	}
	priority := 10
	created := time.Now().UnixMilli()
	if s, ok := fields[0].(string); ok {
		priority = atoi(s)
	}
	if s, ok := fields[1].(string); ok {
		if ms := msTime(s); !ms.IsZero() {
			created = ms.UnixMilli()
		}
	}
	res, err := moveScript.Run(ctx, b.client,
		[]string{from, b.waitKey, b.jobKey(id)},
		formatScore(waitScore(priority, created)), id, models.StateWaiting,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Reason renders an error as a user-facing failure string.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxReasonLen {
		msg = msg[:maxReasonLen]
	}
	return msg
}

var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return nil
end
local id = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], id)
local key = ARGV[3] .. id
if redis.call('EXISTS', key) == 1 then
  redis.call('HSET', key, 'state', 'active', 'processed_at', ARGV[2], 'progress', 0)
end
return id
`)

var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
  if redis.call('EXISTS', KEYS[3]) == 1 then
    redis.call('HSET', KEYS[3], 'state', ARGV[3])
  end
  return 1
end
return 0
`)
