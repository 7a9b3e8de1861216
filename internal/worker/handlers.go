package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"mediaqueue/internal/generation"
	"mediaqueue/internal/models"
	"mediaqueue/internal/persistence"
)

// Handlers implements one handler per job type on top of a generation
// provider and the persistence adapter. Every handler is safe to re-run: a
// retry produces fresh assets and replaces the result.
type Handlers struct {
	Provider       generation.Provider
	Persister      persistence.Persister
	HTTPClient     *http.Client
	SourceMaxBytes int64
	BatchSize      int
}

// Register binds every job type on pool.
func (h *Handlers) Register(pool *Pool) {
	pool.Register(models.JobTypeImageGeneration, h.ImageGeneration)
	pool.Register(models.JobTypeImageEdit, h.ImageEdit)
	pool.Register(models.JobTypeVideoGeneration, h.VideoGeneration)
	pool.Register(models.JobTypeUpscale, h.Upscale)
	pool.Register(models.JobTypeBackgroundRemoval, h.BackgroundRemoval)
}

// ImageGeneration renders each requested variant independently. The job
// succeeds when at least one variant is saved.
func (h *Handlers) ImageGeneration(ctx context.Context, job *Job) (models.Result, error) {
	p, ok := job.Payload.(*models.ImageGenerationPayload)
	if !ok {
		return nil, payloadMismatch(job)
	}
	variants := p.VariantCount()
	res := &models.ImageGenerationResult{Requested: variants}
	var lastErr error

	for i := 0; i < variants; i++ {
		job.Progress(ctx, i*100/variants)
		saved, err := h.generateVariant(ctx, job, p, i)
		if err != nil {
			lastErr = err
			res.Failed++
			job.Logger.Warn().Err(err).Int("variant", i).Msg("variant failed")
			continue
		}
		res.ImageIDs = append(res.ImageIDs, saved.ID)
		res.ImageURLs = append(res.ImageURLs, saved.URL)
	}

	if len(res.ImageIDs) == 0 {
		return nil, fmt.Errorf("all %d variants failed: %w", variants, lastErr)
	}
	job.Progress(ctx, 100)
	res.Success = true
	return res, nil
}

func (h *Handlers) generateVariant(ctx context.Context, job *Job, p *models.ImageGenerationPayload, variant int) (persistence.Saved, error) {
	resp, err := h.Provider.Generate(ctx, generation.GenerateRequest{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Width:          p.Settings.Width,
		Height:         p.Settings.Height,
		AspectRatio:    p.Settings.AspectRatio,
		Model:          p.Settings.Model,
		Style:          p.Settings.Style,
		Seed:           p.Settings.Seed + int64(variant),
		Count:          1,
		RequestID:      fmt.Sprintf("%s-%d", job.ID, variant),
	})
	if err != nil {
		return persistence.Saved{}, fmt.Errorf("generate: %w", err)
	}
	if resp == nil || len(resp.Images) == 0 {
		return persistence.Saved{}, errors.New("generate: no image returned")
	}
	return h.Persister.Save(ctx, toMedia(resp.Images[0]), persistence.Metadata{
		JobID:     job.ID,
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Kind:      persistence.KindImage,
		Prompt:    p.Prompt,
		Extra:     map[string]string{"variant": strconv.Itoa(variant), "jobType": string(job.Type)},
	})
}

func (h *Handlers) ImageEdit(ctx context.Context, job *Job) (models.Result, error) {
	p, ok := job.Payload.(*models.ImageEditPayload)
	if !ok {
		return nil, payloadMismatch(job)
	}
	job.Progress(ctx, 10)
	out, err := h.edit(ctx, job, p.SourceImageURL, generation.EditRequest{
		Operation: generation.OpEdit,
		Prompt:    p.Prompt,
		Model:     p.Settings.Model,
		Strength:  p.Settings.Strength,
	})
	if err != nil {
		return nil, err
	}
	job.Progress(ctx, 80)
	saved, err := h.Persister.Save(ctx, toMedia(out), h.meta(job, p.SessionID, p.UserID, p.Prompt))
	if err != nil {
		return nil, err
	}
	job.Progress(ctx, 100)
	return &models.ImageEditResult{
		ResultMeta: models.ResultMeta{Success: true},
		ImageID:    saved.ID,
		ImageURL:   saved.URL,
	}, nil
}

func (h *Handlers) Upscale(ctx context.Context, job *Job) (models.Result, error) {
	p, ok := job.Payload.(*models.UpscalePayload)
	if !ok {
		return nil, payloadMismatch(job)
	}
	scale := p.ScaleFactor()
	job.Progress(ctx, 10)
	out, err := h.edit(ctx, job, p.SourceImageURL, generation.EditRequest{
		Operation: generation.OpUpscale,
		Scale:     scale,
	})
	if err != nil {
		return nil, err
	}
	job.Progress(ctx, 80)
	saved, err := h.Persister.Save(ctx, toMedia(out), h.meta(job, p.SessionID, p.UserID, ""))
	if err != nil {
		return nil, err
	}
	job.Progress(ctx, 100)
	return &models.UpscaleResult{
		ResultMeta: models.ResultMeta{Success: true},
		ImageID:    saved.ID,
		ImageURL:   saved.URL,
		Width:      out.Width,
		Height:     out.Height,
		Scale:      scale,
	}, nil
}

func (h *Handlers) BackgroundRemoval(ctx context.Context, job *Job) (models.Result, error) {
	p, ok := job.Payload.(*models.BackgroundRemovalPayload)
	if !ok {
		return nil, payloadMismatch(job)
	}
	job.Progress(ctx, 10)
	out, err := h.edit(ctx, job, p.SourceImageURL, generation.EditRequest{Operation: generation.OpRemoveBackground})
	if err != nil {
		return nil, err
	}
	job.Progress(ctx, 80)
	saved, err := h.Persister.Save(ctx, toMedia(out), h.meta(job, p.SessionID, p.UserID, ""))
	if err != nil {
		return nil, err
	}
	job.Progress(ctx, 100)
	return &models.BackgroundRemovalResult{
		ResultMeta: models.ResultMeta{Success: true},
		ImageID:    saved.ID,
		ImageURL:   saved.URL,
	}, nil
}

// VideoGeneration stores the clip and, when the provider returns one, its
// poster frame as a thumbnail. Both are saved together.
func (h *Handlers) VideoGeneration(ctx context.Context, job *Job) (models.Result, error) {
	p, ok := job.Payload.(*models.VideoGenerationPayload)
	if !ok {
		return nil, payloadMismatch(job)
	}
	job.Progress(ctx, 10)
	req := generation.VideoRequest{
		Prompt:          p.Prompt,
		DurationSeconds: p.Settings.DurationSeconds,
		AspectRatio:     p.Settings.AspectRatio,
		Model:           p.Settings.Model,
		RequestID:       job.ID,
	}
	if p.SourceImageURL != "" {
		src, err := generation.FetchSource(ctx, h.HTTPClient, p.SourceImageURL, h.SourceMaxBytes)
		if err != nil {
			return nil, err
		}
		req.Source = &src
	}
	resp, err := h.Provider.GenerateVideo(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate video: %w", err)
	}
	if resp == nil || len(resp.Video.Data) == 0 {
		return nil, errors.New("generate video: no video returned")
	}
	job.Progress(ctx, 70)

	meta := h.meta(job, p.SessionID, p.UserID, p.Prompt)
	meta.Kind = persistence.KindVideo
	items := []persistence.Item{{Media: toMedia(resp.Video), Metadata: meta}}
	if resp.Poster != nil {
		thumb := meta
		thumb.Kind = persistence.KindThumbnail
		items = append(items, persistence.Item{Media: toMedia(*resp.Poster), Metadata: thumb})
	}
	saved, err := h.Persister.SaveBatch(ctx, items, h.BatchSize)
	if err != nil {
		return nil, err
	}
	job.Progress(ctx, 100)

	res := &models.VideoGenerationResult{
		ResultMeta: models.ResultMeta{Success: true},
		VideoID:    saved[0].ID,
		VideoURL:   saved[0].URL,
	}
	if len(saved) > 1 {
		res.ThumbnailID = saved[1].ID
		res.ThumbnailURL = saved[1].URL
	}
	return res, nil
}

func (h *Handlers) edit(ctx context.Context, job *Job, sourceURL string, req generation.EditRequest) (generation.Media, error) {
	src, err := generation.FetchSource(ctx, h.HTTPClient, sourceURL, h.SourceMaxBytes)
	if err != nil {
		return generation.Media{}, err
	}
	req.Source = src
	req.RequestID = job.ID
	resp, err := h.Provider.Edit(ctx, req)
	if err != nil {
		return generation.Media{}, fmt.Errorf("%s: %w", req.Operation, err)
	}
	if resp == nil || len(resp.Image.Data) == 0 {
		return generation.Media{}, fmt.Errorf("%s: no image returned", req.Operation)
	}
	return resp.Image, nil
}

func (h *Handlers) meta(job *Job, sessionID, userID, prompt string) persistence.Metadata {
	return persistence.Metadata{
		JobID:     job.ID,
		SessionID: sessionID,
		UserID:    userID,
		Kind:      persistence.KindImage,
		Prompt:    prompt,
		Extra:     map[string]string{"jobType": string(job.Type)},
	}
}

func toMedia(m generation.Media) persistence.Media {
	return persistence.Media{Data: m.Data, MIME: m.MIME, Width: m.Width, Height: m.Height}
}

func payloadMismatch(job *Job) error {
	return fmt.Errorf("%w: %T for %s", models.ErrInvalidPayload, job.Payload, job.Type)
}
