package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mediaqueue/internal/persistence"
)

// Runs only against a real database: TEST_DATABASE_URL=postgres://...
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	// Applying twice must be harmless.
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func TestStoreAssetsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	jobID := "job-" + uuid.NewString()

	first, err := s.Create(ctx, persistence.AssetRecord{
		JobID: jobID, Kind: persistence.KindImage, URL: "https://cdn/a.png", StorageKey: "image/a.png",
		MIME: "image/png", Bytes: 10, Width: 4, Height: 4, Prompt: "fox",
		Metadata: map[string]string{"variant": "0"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	_, err = s.Create(ctx, persistence.AssetRecord{
		JobID: jobID, Kind: persistence.KindImage, URL: "https://cdn/b.png", StorageKey: "image/b.png",
		MIME: "image/png", CreatedAt: first.CreatedAt.Add(time.Second),
	})
	require.NoError(t, err)

	assets, err := s.ListAssetsByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	require.Equal(t, first.ID, assets[0].ID)
	require.Equal(t, "fox", assets[0].Prompt)
	require.Equal(t, "0", assets[0].Metadata["variant"])
	require.Empty(t, assets[1].Prompt)
}

func TestStoreEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	jobID := "job-" + uuid.NewString()

	require.NoError(t, s.AppendEvent(ctx, jobID, EventRetrying, "attempt 1: boom"))
	require.NoError(t, s.AppendEvent(ctx, jobID, EventCompleted, ""))

	events, err := s.ListEvents(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EventRetrying, events[0].Event)
	require.Equal(t, "attempt 1: boom", events[0].Detail)
	require.Equal(t, EventCompleted, events[1].Event)
	require.Empty(t, events[1].Detail)
}
