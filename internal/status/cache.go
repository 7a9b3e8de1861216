package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mediaqueue/internal/models"
)

// DefaultTTL is how long an entry survives without a write.
const DefaultTTL = time.Hour

// Cache is a short-lived projection of job state for cheap polling. Entries
// are whole-value replacements keyed by job id; every write refreshes the TTL.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// New builds a cache over client. namespace scopes the keys, ttl <= 0 selects DefaultTTL.
func New(client *redis.Client, namespace string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if namespace == "" {
		namespace = "media"
	}
	return &Cache{
		client: client,
		prefix: fmt.Sprintf("mq:%s:status:", namespace),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *Cache) key(id string) string {
	return c.prefix + id
}

// TTL returns the retention window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// SetJobStatus writes st as the full entry for st.ID, applying defaults and
// stamping UpdatedAt.
func (c *Cache) SetJobStatus(ctx context.Context, st models.JobStatus) (models.JobStatus, error) {
	if st.ID == "" {
		return st, errors.New("status: job id is required")
	}
	st.Normalize()
	st.UpdatedAt = c.now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return st, fmt.Errorf("status: marshal %s: %w", st.ID, err)
	}
	if err := c.client.Set(ctx, c.key(st.ID), raw, c.ttl).Err(); err != nil {
		return st, fmt.Errorf("status: set %s: %w", st.ID, err)
	}
	return st, nil
}

// InitJobStatus writes the pending entry for a freshly enqueued job unless a
// worker already wrote one. It reports whether the entry was written.
func (c *Cache) InitJobStatus(ctx context.Context, id string, jobType models.JobType) (bool, error) {
	if id == "" {
		return false, errors.New("status: job id is required")
	}
	st := models.JobStatus{ID: id, Type: jobType}
	st.Normalize()
	st.UpdatedAt = c.now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("status: marshal %s: %w", id, err)
	}
	ok, err := c.client.SetNX(ctx, c.key(id), raw, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("status: init %s: %w", id, err)
	}
	return ok, nil
}

// GetJobStatus returns nil, nil when the entry was never written or has expired.
func (c *Cache) GetJobStatus(ctx context.Context, id string) (*models.JobStatus, error) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("status: get %s: %w", id, err)
	}
	var st models.JobStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("status: decode %s: %w", id, err)
	}
	return &st, nil
}

// GetJobStatuses reads many entries at once. Ids without an entry are absent
// from the map.
func (c *Cache) GetJobStatuses(ctx context.Context, ids []string) (map[string]models.JobStatus, error) {
	out := make(map[string]models.JobStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("status: mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var st models.JobStatus
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			return nil, fmt.Errorf("status: decode %s: %w", ids[i], err)
		}
		out[ids[i]] = st
	}
	return out, nil
}

// DeleteJobStatus removes an entry ahead of its TTL.
func (c *Cache) DeleteJobStatus(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}

// Ping checks cache connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection; repeated calls are no-ops.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
