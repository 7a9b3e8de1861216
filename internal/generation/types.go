package generation

import (
	"context"
	"strconv"
	"strings"
)

// Media is an encoded image or video returned by (or sent to) a provider.
type Media struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// Edit operations understood by providers.
const (
	OpEdit             = "edit"
	OpUpscale          = "upscale"
	OpRemoveBackground = "remove_background"
)

type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	AspectRatio    string
	Model          string
	Style          string
	Seed           int64
	Count          int
	RequestID      string
}

type GenerateResponse struct {
	Images []Media
}

type EditRequest struct {
	Operation string
	Source    Media
	Prompt    string
	Model     string
	Strength  float64
	Scale     int
	RequestID string
}

type EditResponse struct {
	Image Media
}

type VideoRequest struct {
	Prompt          string
	Source          *Media
	DurationSeconds int
	AspectRatio     string
	Model           string
	RequestID       string
}

type VideoResponse struct {
	Video  Media
	Poster *Media
}

// Provider is the external generation service. Any error, or a response
// without output, is a failed attempt.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Edit(ctx context.Context, req EditRequest) (*EditResponse, error)
	GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResponse, error)
}

// Dimensions resolves output size from explicit width/height or an aspect
// ratio such as "16:9", scaled so the long edge equals base.
func Dimensions(width, height int, aspect string, base int) (int, int) {
	if width > 0 && height > 0 {
		return width, height
	}
	if base <= 0 {
		base = 1024
	}
	aw, ah := parseAspect(aspect)
	switch {
	case width > 0:
		return width, max(1, width*ah/aw)
	case height > 0:
		return max(1, height*aw/ah), height
	case aw >= ah:
		return base, max(1, base*ah/aw)
	default:
		return max(1, base*aw/ah), base
	}
}

func parseAspect(aspect string) (int, int) {
	parts := strings.SplitN(strings.TrimSpace(aspect), ":", 2)
	if len(parts) != 2 {
		return 1, 1
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 1, 1
	}
	return w, h
}
