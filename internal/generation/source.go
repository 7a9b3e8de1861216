package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
)

// DefaultSourceMaxBytes caps source downloads when no limit is configured.
const DefaultSourceMaxBytes = 25 * 1024 * 1024

// ErrSourceTooLarge is returned when a source exceeds the byte cap.
var ErrSourceTooLarge = errors.New("source image too large")

// FetchSource loads a source image from an http(s) URL or an inline data URL.
// The body must decode as an image.
func FetchSource(ctx context.Context, client *http.Client, url string, maxBytes int64) (Media, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultSourceMaxBytes
	}
	if strings.HasPrefix(url, "data:") {
		data, _, err := decodeDataURL(url)
		if err != nil {
			return Media{}, err
		}
		if int64(len(data)) > maxBytes {
			return Media{}, fmt.Errorf("%w (>%d bytes)", ErrSourceTooLarge, maxBytes)
		}
		return describe(data)
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Media{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Media{}, fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return Media{}, fmt.Errorf("read source: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return Media{}, fmt.Errorf("%w (>%d bytes)", ErrSourceTooLarge, maxBytes)
	}
	return describe(body)
}

// describe trusts the decoded format over any declared content type.
func describe(data []byte) (Media, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Media{}, fmt.Errorf("decode source: %w", err)
	}
	return Media{Data: data, MIME: "image/" + format, Width: cfg.Width, Height: cfg.Height}, nil
}

func decodeDataURL(s string) ([]byte, string, error) {
	header, body, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data url")
	}
	mime := strings.TrimSuffix(header, ";base64")
	if !strings.HasSuffix(header, ";base64") {
		return []byte(body), mime, nil
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	return data, mime, nil
}

func decodeImage(m Media) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(m.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) (Media, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return Media{}, fmt.Errorf("encode image: %w", err)
	}
	b := img.Bounds()
	return Media{Data: buf.Bytes(), MIME: "image/png", Width: b.Dx(), Height: b.Dy()}, nil
}
