package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the type-specific input of a job. Each job type has exactly one
// payload struct, registered in payloadFactories.
type Payload interface {
	JobType() JobType
	Validate() error
	// Correlation returns the caller-supplied session id, if any.
	Correlation() string
}

var payloadFactories = map[JobType]func() Payload{
	JobTypeImageGeneration:   func() Payload { return &ImageGenerationPayload{} },
	JobTypeImageEdit:         func() Payload { return &ImageEditPayload{} },
	JobTypeVideoGeneration:   func() Payload { return &VideoGenerationPayload{} },
	JobTypeUpscale:           func() Payload { return &UpscalePayload{} },
	JobTypeBackgroundRemoval: func() Payload { return &BackgroundRemovalPayload{} },
}

// DecodePayload unmarshals raw JSON into the payload struct for t.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	p := factory()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidPayload, t, err)
		}
	}
	return p, nil
}

// ImageSettings tunes image generation.
type ImageSettings struct {
	Variants    int    `json:"variants,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	Model       string `json:"model,omitempty"`
	Style       string `json:"style,omitempty"`
	Seed        int64  `json:"seed,omitempty"`
}

// MaxVariants bounds the image_generation fan-out.
const MaxVariants = 8

type ImageGenerationPayload struct {
	SessionID      string        `json:"sessionId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	Prompt         string        `json:"prompt"`
	NegativePrompt string        `json:"negativePrompt,omitempty"`
	Settings       ImageSettings `json:"settings"`
}

func (p *ImageGenerationPayload) JobType() JobType    { return JobTypeImageGeneration }
func (p *ImageGenerationPayload) Correlation() string { return p.SessionID }

// VariantCount returns settings.variants with the default of one applied.
func (p *ImageGenerationPayload) VariantCount() int {
	if p.Settings.Variants <= 0 {
		return 1
	}
	return p.Settings.Variants
}

func (p *ImageGenerationPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	if p.Settings.Variants < 0 || p.Settings.Variants > MaxVariants {
		return fmt.Errorf("%w: variants must be between 1 and %d", ErrInvalidPayload, MaxVariants)
	}
	if p.Settings.Width < 0 || p.Settings.Height < 0 {
		return fmt.Errorf("%w: negative dimensions", ErrInvalidPayload)
	}
	return nil
}

// EditSettings tunes image edits.
type EditSettings struct {
	Model    string  `json:"model,omitempty"`
	Strength float64 `json:"strength,omitempty"`
}

type ImageEditPayload struct {
	SessionID      string       `json:"sessionId,omitempty"`
	UserID         string       `json:"userId,omitempty"`
	SourceImageURL string       `json:"sourceImageUrl"`
	Prompt         string       `json:"prompt"`
	Settings       EditSettings `json:"settings"`
}

func (p *ImageEditPayload) JobType() JobType    { return JobTypeImageEdit }
func (p *ImageEditPayload) Correlation() string { return p.SessionID }

func (p *ImageEditPayload) Validate() error {
	if strings.TrimSpace(p.SourceImageURL) == "" {
		return fmt.Errorf("%w: sourceImageUrl is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	if p.Settings.Strength < 0 || p.Settings.Strength > 1 {
		return fmt.Errorf("%w: strength must be within [0,1]", ErrInvalidPayload)
	}
	return nil
}

// VideoSettings tunes video generation.
type VideoSettings struct {
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
	Model           string `json:"model,omitempty"`
}

// MaxVideoSeconds bounds requested clip length.
const MaxVideoSeconds = 30

type VideoGenerationPayload struct {
	SessionID      string        `json:"sessionId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	Prompt         string        `json:"prompt"`
	SourceImageURL string        `json:"sourceImageUrl,omitempty"`
	Settings       VideoSettings `json:"settings"`
}

func (p *VideoGenerationPayload) JobType() JobType    { return JobTypeVideoGeneration }
func (p *VideoGenerationPayload) Correlation() string { return p.SessionID }

func (p *VideoGenerationPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	if p.Settings.DurationSeconds < 0 || p.Settings.DurationSeconds > MaxVideoSeconds {
		return fmt.Errorf("%w: durationSeconds must be between 1 and %d", ErrInvalidPayload, MaxVideoSeconds)
	}
	return nil
}

type UpscalePayload struct {
	SessionID      string `json:"sessionId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	SourceImageURL string `json:"sourceImageUrl"`
	Scale          int    `json:"scale,omitempty"`
}

func (p *UpscalePayload) JobType() JobType    { return JobTypeUpscale }
func (p *UpscalePayload) Correlation() string { return p.SessionID }

// ScaleFactor returns the requested factor, defaulting to 2.
func (p *UpscalePayload) ScaleFactor() int {
	if p.Scale == 0 {
		return 2
	}
	return p.Scale
}

func (p *UpscalePayload) Validate() error {
	if strings.TrimSpace(p.SourceImageURL) == "" {
		return fmt.Errorf("%w: sourceImageUrl is required", ErrInvalidPayload)
	}
	switch p.ScaleFactor() {
	case 2, 4:
	default:
		return fmt.Errorf("%w: scale must be 2 or 4", ErrInvalidPayload)
	}
	return nil
}

type BackgroundRemovalPayload struct {
	SessionID      string `json:"sessionId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	SourceImageURL string `json:"sourceImageUrl"`
}

func (p *BackgroundRemovalPayload) JobType() JobType    { return JobTypeBackgroundRemoval }
func (p *BackgroundRemovalPayload) Correlation() string { return p.SessionID }

func (p *BackgroundRemovalPayload) Validate() error {
	if strings.TrimSpace(p.SourceImageURL) == "" {
		return fmt.Errorf("%w: sourceImageUrl is required", ErrInvalidPayload)
	}
	return nil
}
