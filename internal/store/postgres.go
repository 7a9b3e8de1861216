package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mediaqueue/internal/persistence"
)

// Job event names written to job_events.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetrying  = "retrying"
)

// Store wraps pgxpool for Postgres persistence of asset records and the job
// audit trail.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Create inserts an asset record, assigning an id when missing.
func (s *Store) Create(ctx context.Context, rec persistence.AssetRecord) (persistence.AssetRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return persistence.AssetRecord{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO generated_assets (id, job_id, session_id, user_id, kind, url, storage_key, mime, bytes, width, height, checksum, prompt, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, rec.JobID, rec.SessionID, rec.UserID, rec.Kind, rec.URL, rec.StorageKey, rec.MIME,
		rec.Bytes, rec.Width, rec.Height, rec.Checksum, emptyToNil(rec.Prompt), metaJSON, rec.CreatedAt)
	if err != nil {
		return persistence.AssetRecord{}, fmt.Errorf("insert asset: %w", err)
	}
	return rec, nil
}

// ListAssetsByJob returns every asset recorded for jobID, oldest first.
func (s *Store) ListAssetsByJob(ctx context.Context, jobID string) ([]persistence.AssetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, session_id, user_id, kind, url, storage_key, mime, bytes, width, height, checksum, prompt, metadata, created_at
		FROM generated_assets
		WHERE job_id = $1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []persistence.AssetRecord
	for rows.Next() {
		var rec persistence.AssetRecord
		var id pgtype.UUID
		var prompt pgtype.Text
		var metaJSON []byte
		if err := rows.Scan(&id, &rec.JobID, &rec.SessionID, &rec.UserID, &rec.Kind, &rec.URL, &rec.StorageKey, &rec.MIME,
			&rec.Bytes, &rec.Width, &rec.Height, &rec.Checksum, &prompt, &metaJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if id.Valid {
			rec.ID = uuid.UUID(id.Bytes).String()
		}
		if prompt.Valid {
			rec.Prompt = prompt.String
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// JobEvent is one row of the audit trail.
type JobEvent struct {
	JobID  string
	Event  string
	Detail string
	At     time.Time
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, emptyToNil(detail))
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail of jobID in insertion order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		var detail pgtype.Text
		if err := rows.Scan(&ev.JobID, &ev.Event, &detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Detail = detail.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
