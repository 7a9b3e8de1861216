package models

import (
	"encoding/json"
	"fmt"
)

// Result is the type-specific output of a completed job.
type Result interface {
	JobType() JobType
	Meta() *ResultMeta
}

// ResultMeta carries the fields shared by every result variant.
type ResultMeta struct {
	Success bool `json:"success"`
	// Duration is the attempt's wall-clock time in milliseconds.
	Duration int64 `json:"duration,omitempty"`
}

func (m *ResultMeta) Meta() *ResultMeta { return m }

var resultFactories = map[JobType]func() Result{
	JobTypeImageGeneration:   func() Result { return &ImageGenerationResult{} },
	JobTypeImageEdit:         func() Result { return &ImageEditResult{} },
	JobTypeVideoGeneration:   func() Result { return &VideoGenerationResult{} },
	JobTypeUpscale:           func() Result { return &UpscaleResult{} },
	JobTypeBackgroundRemoval: func() Result { return &BackgroundRemovalResult{} },
}

// DecodeResult unmarshals raw JSON into the result struct for t.
func DecodeResult(t JobType, raw []byte) (Result, error) {
	factory, ok := resultFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	r := factory()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", t, err)
	}
	return r, nil
}

type ImageGenerationResult struct {
	ResultMeta
	ImageIDs  []string `json:"imageIds"`
	ImageURLs []string `json:"imageUrls"`
	Requested int      `json:"requested"`
	Failed    int      `json:"failed,omitempty"`
}

func (r *ImageGenerationResult) JobType() JobType { return JobTypeImageGeneration }

type ImageEditResult struct {
	ResultMeta
	ImageID  string `json:"imageId"`
	ImageURL string `json:"imageUrl"`
}

func (r *ImageEditResult) JobType() JobType { return JobTypeImageEdit }

type VideoGenerationResult struct {
	ResultMeta
	VideoID      string `json:"videoId"`
	VideoURL     string `json:"videoUrl"`
	ThumbnailID  string `json:"thumbnailId,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

func (r *VideoGenerationResult) JobType() JobType { return JobTypeVideoGeneration }

type UpscaleResult struct {
	ResultMeta
	ImageID  string `json:"imageId"`
	ImageURL string `json:"imageUrl"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Scale    int    `json:"scale"`
}

func (r *UpscaleResult) JobType() JobType { return JobTypeUpscale }

type BackgroundRemovalResult struct {
	ResultMeta
	ImageID  string `json:"imageId"`
	ImageURL string `json:"imageUrl"`
}

func (r *BackgroundRemovalResult) JobType() JobType { return JobTypeBackgroundRemoval }
