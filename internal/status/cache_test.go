package status

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"mediaqueue/internal/models"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", ttl)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetJobStatusAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	written, err := c.SetJobStatus(ctx, models.JobStatus{ID: "j1", Type: models.JobTypeImageEdit})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, written.Status)
	require.Zero(t, written.Progress)
	require.False(t, written.UpdatedAt.IsZero())

	got, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, models.JobTypeImageEdit, got.Type)
}

func TestSetJobStatusReplacesWholeEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	_, err := c.SetJobStatus(ctx, models.JobStatus{ID: "j1", Type: models.JobTypeImageEdit, Status: models.StatusFailed, Error: "boom", Retrying: true})
	require.NoError(t, err)

	res := &models.ImageEditResult{ResultMeta: models.ResultMeta{Success: true}, ImageID: "a1", ImageURL: "http://blob/a1.png"}
	_, err = c.SetJobStatus(ctx, models.JobStatus{ID: "j1", Type: models.JobTypeImageEdit, Status: models.StatusCompleted, Result: res, Error: "stale"})
	require.NoError(t, err)

	got, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Empty(t, got.Error)
	require.False(t, got.Retrying)
	require.Equal(t, res, got.Result)
}

func TestSetJobStatusIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	st := models.JobStatus{ID: "j1", Type: models.JobTypeUpscale, Status: models.StatusFailed, Error: "source unreachable", Attempt: 3}
	_, err := c.SetJobStatus(ctx, st)
	require.NoError(t, err)
	first, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)

	_, err = c.SetJobStatus(ctx, st)
	require.NoError(t, err)
	second, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)

	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	require.Equal(t, first, second)
	require.Nil(t, second.Result)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, 2*time.Second)

	_, err := c.SetJobStatus(ctx, models.JobStatus{ID: "j1", Type: models.JobTypeUpscale, Status: models.StatusActive, Progress: 40})
	require.NoError(t, err)

	mr.FastForward(time.Second)
	_, err = c.SetJobStatus(ctx, models.JobStatus{ID: "j1", Type: models.JobTypeUpscale, Status: models.StatusActive, Progress: 60})
	require.NoError(t, err)

	// The second write refreshed the TTL.
	mr.FastForward(1500 * time.Millisecond)
	got, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 60, got.Progress)

	mr.FastForward(time.Second)
	got, err = c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetJobStatusesOmitsMissing(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	for _, id := range []string{"a", "b"} {
		_, err := c.SetJobStatus(ctx, models.JobStatus{ID: id, Type: models.JobTypeImageGeneration, Status: models.StatusActive})
		require.NoError(t, err)
	}

	got, err := c.GetJobStatuses(ctx, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Contains(t, got, "a")
	require.Contains(t, got, "b")

	empty, err := c.GetJobStatuses(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestDeleteJobStatus(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	_, err := c.SetJobStatus(ctx, models.JobStatus{ID: "j1", Type: models.JobTypeImageGeneration})
	require.NoError(t, err)
	require.NoError(t, c.DeleteJobStatus(ctx, "j1"))

	got, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSetJobStatusRequiresID(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	_, err := c.SetJobStatus(context.Background(), models.JobStatus{})
	require.Error(t, err)
}

func TestInitJobStatusDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)

	ok, err := c.InitJobStatus(ctx, "j1", models.JobTypeUpscale)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, mr.TTL("mq:test:status:j1"))

	_, err = c.SetJobStatus(ctx, models.JobStatus{ID: "j1", Type: models.JobTypeUpscale, Status: models.StatusActive, Progress: 10})
	require.NoError(t, err)
	ok, err = c.InitJobStatus(ctx, "j1", models.JobTypeUpscale)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := c.GetJobStatus(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, got.Status)
}
