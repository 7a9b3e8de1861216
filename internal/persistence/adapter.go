package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds concurrent saves within one SaveBatch batch.
const DefaultBatchSize = 4

// ErrEmptyMedia is returned when there is nothing to store.
var ErrEmptyMedia = errors.New("persistence: empty media")

// Media is handler output. Either Data holds raw bytes or Encoded holds a
// data URL or bare base64 string. MIME is sniffed when empty.
type Media struct {
	Data    []byte
	Encoded string
	MIME    string
	Width   int
	Height  int
}

// Metadata describes what the media belongs to.
type Metadata struct {
	JobID     string
	SessionID string
	UserID    string
	Kind      string
	Prompt    string
	Extra     map[string]string
}

// Saved is the stable handle returned for a stored asset.
type Saved struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Item is one entry of SaveBatch.
type Item struct {
	Media    Media
	Metadata Metadata
}

// Persister is what handlers depend on.
type Persister interface {
	Save(ctx context.Context, media Media, meta Metadata) (Saved, error)
	SaveBatch(ctx context.Context, items []Item, batchSize int) ([]Saved, error)
}

// Adapter turns media into one blob plus one asset record. Safe for
// concurrent use.
type Adapter struct {
	blobs  BlobStore
	repo   AssetRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewAdapter(blobs BlobStore, repo AssetRepository, logger zerolog.Logger) *Adapter {
	return &Adapter{
		blobs:  blobs,
		repo:   repo,
		logger: logger.With().Str("component", "persistence").Logger(),
		now:    time.Now,
	}
}

// Save stores media and records it. Any failure is returned to the caller,
// which treats it as a failed attempt.
func (a *Adapter) Save(ctx context.Context, media Media, meta Metadata) (Saved, error) {
	data, mime, err := resolve(media)
	if err != nil {
		return Saved{}, err
	}
	kind := meta.Kind
	if kind == "" {
		kind = kindFor(mime)
	}

	id := uuid.NewString()
	now := a.now().UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%s.%s", kind, now.Year(), int(now.Month()), id, extensionFor(mime))

	url, err := a.blobs.Write(ctx, key, data, mime)
	if err != nil {
		return Saved{}, fmt.Errorf("store blob: %w", err)
	}

	sum := sha256.Sum256(data)
	rec, err := a.repo.Create(ctx, AssetRecord{
		ID:         id,
		JobID:      meta.JobID,
		SessionID:  meta.SessionID,
		UserID:     meta.UserID,
		Kind:       kind,
		URL:        url,
		StorageKey: key,
		MIME:       mime,
		Bytes:      int64(len(data)),
		Width:      media.Width,
		Height:     media.Height,
		Checksum:   hex.EncodeToString(sum[:]),
		Prompt:     meta.Prompt,
		Metadata:   meta.Extra,
		CreatedAt:  now,
	})
	if err != nil {
		return Saved{}, fmt.Errorf("record asset: %w", err)
	}

	a.logger.Debug().Str("job_id", meta.JobID).Str("asset_id", rec.ID).Str("key", key).Int("bytes", len(data)).Msg("asset saved")
	return Saved{ID: rec.ID, URL: rec.URL}, nil
}

// SaveBatch saves items batchSize at a time. Items within a batch run
// concurrently, batches run one after another, and the first error stops
// remaining batches. Results keep input order.
func (a *Adapter) SaveBatch(ctx context.Context, items []Item, batchSize int) ([]Saved, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	out := make([]Saved, len(items))
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				saved, err := a.Save(gctx, items[i].Media, items[i].Metadata)
				if err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
				out[i] = saved
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return out[:start], err
		}
	}
	return out, nil
}

func resolve(m Media) ([]byte, string, error) {
	data, mime := m.Data, m.MIME
	if len(data) == 0 && m.Encoded != "" {
		decoded, declared, err := decodeEncoded(m.Encoded)
		if err != nil {
			return nil, "", err
		}
		data = decoded
		if mime == "" {
			mime = declared
		}
	}
	if len(data) == 0 {
		return nil, "", ErrEmptyMedia
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return data, mime, nil
}

func decodeEncoded(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	var mime string
	if strings.HasPrefix(s, "data:") {
		header, body, ok := strings.Cut(s[len("data:"):], ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, "", errors.New("persistence: unsupported data url")
		}
		mime = strings.TrimSuffix(header, ";base64")
		s = body
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, "", fmt.Errorf("persistence: decode media: %w", err)
		}
	}
	return data, mime, nil
}

func kindFor(mime string) string {
	if strings.HasPrefix(mime, "video/") {
		return KindVideo
	}
	return KindImage
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	default:
		return "bin"
	}
}
