package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how the HTTP provider is configured.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// HTTPClient talks JSON to a remote generation service. Media travels base64
// encoded in both directions.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// APIError is a non-2xx response from the generation service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation service: status %d: %s", e.StatusCode, e.Message)
}

// NewHTTPClient validates opts and applies defaults.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("generation base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    base,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		httpClient: client,
		logger:     opts.Logger.With().Str("provider", "http").Logger(),
	}, nil
}

type wireMedia struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

func toWire(m Media) wireMedia {
	return wireMedia{Data: base64.StdEncoding.EncodeToString(m.Data), MimeType: m.MIME, Width: m.Width, Height: m.Height}
}

func (w wireMedia) media() (Media, error) {
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return Media{}, fmt.Errorf("decode media: %w", err)
	}
	if len(data) == 0 {
		return Media{}, errors.New("generation service returned empty media")
	}
	return Media{Data: data, MIME: w.MimeType, Width: w.Width, Height: w.Height}, nil
}

type generateBody struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
	Model          string `json:"model,omitempty"`
	Style          string `json:"style,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
	Count          int    `json:"count"`
}

func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	body := generateBody{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		AspectRatio:    req.AspectRatio,
		Model:          c.modelFor(req.Model),
		Style:          req.Style,
		Seed:           req.Seed,
		Count:          count,
	}
	var out struct {
		Images []wireMedia `json:"images"`
	}
	if err := c.post(ctx, "/v1/images/generations", req.RequestID, body, &out); err != nil {
		return nil, err
	}
	if len(out.Images) == 0 {
		return nil, errors.New("generation service returned no images")
	}
	resp := &GenerateResponse{Images: make([]Media, 0, len(out.Images))}
	for _, w := range out.Images {
		m, err := w.media()
		if err != nil {
			return nil, err
		}
		resp.Images = append(resp.Images, m)
	}
	return resp, nil
}

type editBody struct {
	Operation string    `json:"operation"`
	Image     wireMedia `json:"image"`
	Prompt    string    `json:"prompt,omitempty"`
	Model     string    `json:"model,omitempty"`
	Strength  float64   `json:"strength,omitempty"`
	Scale     int       `json:"scale,omitempty"`
}

func (c *HTTPClient) Edit(ctx context.Context, req EditRequest) (*EditResponse, error) {
	op := req.Operation
	if op == "" {
		op = OpEdit
	}
	body := editBody{
		Operation: op,
		Image:     toWire(req.Source),
		Prompt:    req.Prompt,
		Model:     c.modelFor(req.Model),
		Strength:  req.Strength,
		Scale:     req.Scale,
	}
	var out struct {
		Image *wireMedia `json:"image"`
	}
	if err := c.post(ctx, "/v1/images/edits", req.RequestID, body, &out); err != nil {
		return nil, err
	}
	if out.Image == nil {
		return nil, errors.New("generation service returned no image")
	}
	m, err := out.Image.media()
	if err != nil {
		return nil, err
	}
	return &EditResponse{Image: m}, nil
}

type videoBody struct {
	Prompt          string     `json:"prompt"`
	Image           *wireMedia `json:"image,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
	AspectRatio     string     `json:"aspectRatio,omitempty"`
	Model           string     `json:"model,omitempty"`
}

func (c *HTTPClient) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResponse, error) {
	body := videoBody{
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		Model:           c.modelFor(req.Model),
	}
	if req.Source != nil {
		w := toWire(*req.Source)
		body.Image = &w
	}
	var out struct {
		Video  *wireMedia `json:"video"`
		Poster *wireMedia `json:"poster"`
	}
	if err := c.post(ctx, "/v1/videos/generations", req.RequestID, body, &out); err != nil {
		return nil, err
	}
	if out.Video == nil {
		return nil, errors.New("generation service returned no video")
	}
	video, err := out.Video.media()
	if err != nil {
		return nil, err
	}
	resp := &VideoResponse{Video: video}
	if out.Poster != nil {
		poster, err := out.Poster.media()
		if err != nil {
			return nil, err
		}
		resp.Poster = &poster
	}
	return resp, nil
}

func (c *HTTPClient) modelFor(requested string) string {
	if requested != "" {
		return requested
	}
	return c.model
}

func (c *HTTPClient) post(ctx context.Context, path, requestID string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call generation service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug().Str("path", path).Str("request_id", requestID).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("generation call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error.Message != "" {
			return body.Error.Message
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 256 {
		return s
	}
	return fallback
}
