package worker

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mediaqueue/internal/generation"
	"mediaqueue/internal/models"
	"mediaqueue/internal/persistence"
	"mediaqueue/internal/queue"
)

// flakyProvider fails Generate for the listed seeds.
type flakyProvider struct {
	generation.Provider
	failSeeds map[int64]bool
}

func (f *flakyProvider) Generate(ctx context.Context, req generation.GenerateRequest) (*generation.GenerateResponse, error) {
	if f.failSeeds[req.Seed] {
		return nil, errors.New("provider rejected prompt")
	}
	return f.Provider.Generate(ctx, req)
}

type fixture struct {
	handlers *Handlers
	repo     *persistence.MemoryRepository
	srcURL   string
	badURL   string
}

func newFixture(t *testing.T, provider generation.Provider) *fixture {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, imaging.Encode(buf, imaging.New(16, 8, color.White), imaging.PNG))
	src := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/src.png" {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(src)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	blobs, err := persistence.NewLocalBlob(t.TempDir(), "https://cdn.test")
	require.NoError(t, err)
	repo := persistence.NewMemoryRepository()
	if provider == nil {
		provider = generation.NewSynthetic(zerolog.Nop())
	}
	return &fixture{
		handlers: &Handlers{
			Provider:   provider,
			Persister:  persistence.NewAdapter(blobs, repo, zerolog.Nop()),
			HTTPClient: srv.Client(),
		},
		repo:   repo,
		srcURL: srv.URL + "/src.png",
		badURL: srv.URL + "/missing.png",
	}
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func testJob(jobType models.JobType, payload models.Payload, log *progressLog) *Job {
	return &Job{
		ID:      "job-1",
		Type:    jobType,
		Attempt: 1,
		Payload: payload,
		Logger:  zerolog.Nop(),
		progress: &progressReporter{publish: func(_ context.Context, pct int) {
			log.mu.Lock()
			log.values = append(log.values, pct)
			log.mu.Unlock()
		}},
	}
}

func TestImageGenerationToleratesPartialFailure(t *testing.T) {
	f := newFixture(t, &flakyProvider{
		Provider:  generation.NewSynthetic(zerolog.Nop()),
		failSeeds: map[int64]bool{1: true},
	})
	payload := &models.ImageGenerationPayload{
		SessionID: "sess-1",
		Prompt:    "lighthouse at dusk",
		Settings:  models.ImageSettings{Variants: 3, Width: 32, Height: 32},
	}
	progress := &progressLog{}

	res, err := f.handlers.ImageGeneration(context.Background(), testJob(models.JobTypeImageGeneration, payload, progress))
	require.NoError(t, err)

	out := res.(*models.ImageGenerationResult)
	require.True(t, out.Success)
	require.Equal(t, 3, out.Requested)
	require.Equal(t, 1, out.Failed)
	require.Len(t, out.ImageIDs, 2)
	require.Len(t, out.ImageURLs, 2)
	for _, u := range out.ImageURLs {
		require.True(t, strings.HasPrefix(u, "https://cdn.test/image/"), u)
	}
	require.Equal(t, []int{33, 66, 100}, progress.values)
	require.Equal(t, 2, f.repo.Len())

	recs, err := f.repo.ListAssetsByJob(context.Background(), "job-1")
	require.NoError(t, err)
	for _, rec := range recs {
		require.Equal(t, "sess-1", rec.SessionID)
		require.Equal(t, "image/png", rec.MIME)
	}
}

func TestImageGenerationFailsWhenEveryVariantFails(t *testing.T) {
	f := newFixture(t, &flakyProvider{
		Provider:  generation.NewSynthetic(zerolog.Nop()),
		failSeeds: map[int64]bool{0: true, 1: true},
	})
	payload := &models.ImageGenerationPayload{Prompt: "x", Settings: models.ImageSettings{Variants: 2, Width: 8, Height: 8}}

	_, err := f.handlers.ImageGeneration(context.Background(), testJob(models.JobTypeImageGeneration, payload, &progressLog{}))
	require.ErrorContains(t, err, "all 2 variants failed")
	require.Zero(t, f.repo.Len())
}

func TestImageEditReportsCheckpoints(t *testing.T) {
	f := newFixture(t, nil)
	progress := &progressLog{}
	payload := &models.ImageEditPayload{SourceImageURL: f.srcURL, Prompt: "make it blue"}

	res, err := f.handlers.ImageEdit(context.Background(), testJob(models.JobTypeImageEdit, payload, progress))
	require.NoError(t, err)
	out := res.(*models.ImageEditResult)
	require.True(t, out.Success)
	require.NotEmpty(t, out.ImageID)
	require.Equal(t, []int{10, 80, 100}, progress.values)
}

func TestImageEditMissingSourceFails(t *testing.T) {
	f := newFixture(t, nil)
	progress := &progressLog{}
	payload := &models.ImageEditPayload{SourceImageURL: f.badURL, Prompt: "x"}

	_, err := f.handlers.ImageEdit(context.Background(), testJob(models.JobTypeImageEdit, payload, progress))
	require.ErrorContains(t, err, "status 404")
	require.Equal(t, []int{10}, progress.values)
	require.Zero(t, f.repo.Len())
}

func TestUpscaleReportsOutputSize(t *testing.T) {
	f := newFixture(t, nil)
	payload := &models.UpscalePayload{SourceImageURL: f.srcURL, Scale: 4}

	res, err := f.handlers.Upscale(context.Background(), testJob(models.JobTypeUpscale, payload, &progressLog{}))
	require.NoError(t, err)
	out := res.(*models.UpscaleResult)
	require.Equal(t, 64, out.Width)
	require.Equal(t, 32, out.Height)
	require.Equal(t, 4, out.Scale)
}

func TestBackgroundRemoval(t *testing.T) {
	f := newFixture(t, nil)
	payload := &models.BackgroundRemovalPayload{SourceImageURL: f.srcURL}

	res, err := f.handlers.BackgroundRemoval(context.Background(), testJob(models.JobTypeBackgroundRemoval, payload, &progressLog{}))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(res.(*models.BackgroundRemovalResult).ImageURL, ".png"))
}

func TestVideoGenerationSavesClipAndThumbnail(t *testing.T) {
	f := newFixture(t, nil)
	payload := &models.VideoGenerationPayload{
		Prompt:         "waves",
		SourceImageURL: f.srcURL,
		Settings:       models.VideoSettings{DurationSeconds: 1},
	}
	progress := &progressLog{}

	res, err := f.handlers.VideoGeneration(context.Background(), testJob(models.JobTypeVideoGeneration, payload, progress))
	require.NoError(t, err)
	out := res.(*models.VideoGenerationResult)
	require.True(t, strings.HasSuffix(out.VideoURL, ".gif"))
	require.True(t, strings.HasPrefix(out.ThumbnailURL, "https://cdn.test/thumbnail/"))
	require.Equal(t, 2, f.repo.Len())
	require.Equal(t, []int{10, 70, 100}, progress.values)
}

func TestImageGenerationEndToEnd(t *testing.T) {
	h := newHarness(t, queue.Options{})
	f := newFixture(t, nil)
	p := h.pool(t, 2, nil)
	f.handlers.Register(p)

	id, err := h.broker.Enqueue(context.Background(), &models.ImageGenerationPayload{
		Prompt:   "two foxes",
		Settings: models.ImageSettings{Variants: 2, Width: 16, Height: 16},
	}, queue.EnqueueOptions{})
	require.NoError(t, err)

	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusCompleted, st.Status)
	out := st.Result.(*models.ImageGenerationResult)
	require.Len(t, out.ImageURLs, 2)
	require.True(t, out.Success)
}

func TestImageEditInvalidSourceFailsAfterThreeAttempts(t *testing.T) {
	h := newHarness(t, queue.Options{})
	f := newFixture(t, nil)
	p := h.pool(t, 1, nil)
	f.handlers.Register(p)

	id, err := h.broker.Enqueue(context.Background(), &models.ImageEditPayload{
		SourceImageURL: f.badURL,
		Prompt:         "sharpen",
	}, queue.EnqueueOptions{Attempts: 3, Backoff: &models.Backoff{Type: models.BackoffFixed}})
	require.NoError(t, err)

	stop := start(p)
	defer stop()

	st := h.waitTerminal(t, id)
	require.Equal(t, models.StatusFailed, st.Status)
	require.Equal(t, 3, st.Attempt)
	require.Contains(t, st.Error, "status 404")
	h.waitEvents(t, id, "retrying", "retrying", "failed")
}
