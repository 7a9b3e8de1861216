package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Asset kinds.
const (
	KindImage     = "image"
	KindVideo     = "video"
	KindThumbnail = "thumbnail"
)

// AssetRecord is the database row describing one stored blob.
type AssetRecord struct {
	ID         string
	JobID      string
	SessionID  string
	UserID     string
	Kind       string
	URL        string
	StorageKey string
	MIME       string
	Bytes      int64
	Width      int
	Height     int
	Checksum   string
	Prompt     string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// AssetRepository stores asset records. Create fills ID and CreatedAt when
// they are empty and returns the stored record.
type AssetRepository interface {
	Create(ctx context.Context, rec AssetRecord) (AssetRecord, error)
}

// MemoryRepository is an in-process AssetRepository for tests and
// single-node deployments without a database.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]AssetRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]AssetRecord)}
}

func (m *MemoryRepository) Create(ctx context.Context, rec AssetRecord) (AssetRecord, error) {
	if err := ctx.Err(); err != nil {
		return AssetRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return rec, nil
}

// ListAssetsByJob returns records of jobID ordered by creation time.
func (m *MemoryRepository) ListAssetsByJob(_ context.Context, jobID string) ([]AssetRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AssetRecord
	for _, rec := range m.records {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
