package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

const (
	syntheticBase      = 512
	syntheticVideoBase = 320
	framesPerSecond    = 4
	maxFrames          = 48
	// backgroundTolerance is the per-channel distance from the corner colour
	// still treated as background.
	backgroundTolerance = 24
)

// Synthetic renders deterministic placeholder media locally. Workers use it
// when no generation service is configured so the pipeline runs end to end.
type Synthetic struct {
	logger zerolog.Logger
}

func NewSynthetic(logger zerolog.Logger) *Synthetic {
	return &Synthetic{logger: logger.With().Str("provider", "synthetic").Logger()}
}

func (s *Synthetic) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	w, h := Dimensions(req.Width, req.Height, req.AspectRatio, syntheticBase)
	resp := &GenerateResponse{Images: make([]Media, 0, count)}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img := render(w, h, seedFor(req.Prompt, req.Style, req.Seed, i))
		m, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		resp.Images = append(resp.Images, m)
	}
	s.logger.Debug().Str("request_id", req.RequestID).Int("count", count).Int("width", w).Int("height", h).Msg("synthetic images rendered")
	return resp, nil
}

func (s *Synthetic) Edit(ctx context.Context, req EditRequest) (*EditResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := decodeImage(req.Source)
	if err != nil {
		return nil, err
	}

	var out image.Image
	switch req.Operation {
	case OpUpscale:
		scale := req.Scale
		if scale <= 1 {
			scale = 2
		}
		b := src.Bounds()
		out = imaging.Resize(src, b.Dx()*scale, b.Dy()*scale, imaging.Lanczos)
	case OpRemoveBackground:
		out = removeBackground(src)
	case OpEdit, "":
		out = tint(src, req.Prompt, req.Strength)
	default:
		return nil, fmt.Errorf("unsupported edit operation %q", req.Operation)
	}

	m, err := encodePNG(out)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("request_id", req.RequestID).Str("operation", req.Operation).Msg("synthetic edit rendered")
	return &EditResponse{Image: m}, nil
}

func (s *Synthetic) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResponse, error) {
	seconds := req.DurationSeconds
	if seconds <= 0 {
		seconds = 4
	}
	frames := min(seconds*framesPerSecond, maxFrames)
	w, h := Dimensions(0, 0, req.AspectRatio, syntheticVideoBase)

	var base image.Image
	if req.Source != nil {
		img, err := decodeImage(*req.Source)
		if err != nil {
			return nil, err
		}
		base = imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	} else {
		base = render(w, h, seedFor(req.Prompt, req.Model, 0, 0))
	}

	anim := &gif.GIF{}
	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame := imaging.AdjustBrightness(base, float64(i*40/frames)-20)
		paletted := image.NewPaletted(image.Rect(0, 0, w, h), palette.Plan9)
		draw.ApproxBiLinear.Scale(paletted, paletted.Bounds(), frame, frame.Bounds(), draw.Src, nil)
		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, 100/framesPerSecond)
	}
	buf := &bytes.Buffer{}
	if err := gif.EncodeAll(buf, anim); err != nil {
		return nil, fmt.Errorf("encode video: %w", err)
	}

	poster, err := encodePNG(base)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("request_id", req.RequestID).Int("frames", frames).Msg("synthetic video rendered")
	return &VideoResponse{
		Video:  Media{Data: buf.Bytes(), MIME: "image/gif", Width: w, Height: h},
		Poster: &poster,
	}, nil
}

func seedFor(prompt, style string, seed int64, variant int) [32]byte {
	var extra [16]byte
	binary.BigEndian.PutUint64(extra[:8], uint64(seed))
	binary.BigEndian.PutUint64(extra[8:], uint64(variant))
	return sha256.Sum256(append([]byte(prompt+"\x00"+style), extra[:]...))
}

// render paints a two-tone diagonal composition derived from digest.
func render(w, h int, digest [32]byte) image.Image {
	bg := color.NRGBA{R: digest[0], G: digest[1], B: digest[2], A: 255}
	fg := color.NRGBA{R: digest[3], G: digest[4], B: digest[5], A: 255}
	canvas := imaging.New(w, h, bg)
	side := max(1, min(w, h)/2)
	block := imaging.New(side, side, fg)
	x := int(digest[6]) % max(1, w-side+1)
	y := int(digest[7]) % max(1, h-side+1)
	return imaging.Overlay(canvas, block, image.Pt(x, y), 0.85)
}

func tint(src image.Image, prompt string, strength float64) image.Image {
	if strength <= 0 || strength > 1 {
		strength = 0.5
	}
	d := sha256.Sum256([]byte(prompt))
	overlay := imaging.New(src.Bounds().Dx(), src.Bounds().Dy(), color.NRGBA{R: d[0], G: d[1], B: d[2], A: 255})
	return imaging.Overlay(src, overlay, image.Pt(0, 0), strength*0.6)
}

// removeBackground clears pixels close to the top-left corner colour.
func removeBackground(src image.Image) image.Image {
	img := imaging.Clone(src)
	if len(img.Pix) == 0 {
		return img
	}
	ref := img.NRGBAAt(img.Rect.Min.X, img.Rect.Min.Y)
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		for x := img.Rect.Min.X; x < img.Rect.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if near(c.R, ref.R) && near(c.G, ref.G) && near(c.B, ref.B) {
				img.SetNRGBA(x, y, color.NRGBA{})
			}
		}
	}
	return img
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d <= backgroundTolerance && d >= -backgroundTolerance
}
