package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teamline/internal/logger"
)

// AttachmentIndexEntry is one indexing job for an uploaded attachment.
type AttachmentIndexEntry struct {
	URL       string    `json:"url"`
	MediaType string    `json:"media_type"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AttachmentIndexRepository struct {
	pool *pgxpool.Pool
}

func NewAttachmentIndexRepository(pool *pgxpool.Pool) *AttachmentIndexRepository {
	return &AttachmentIndexRepository{pool: pool}
}

// Upsert records an indexing request keyed by URL. The dev server has no
// indexing workers, so entries complete immediately.
func (r *AttachmentIndexRepository) Upsert(ctx context.Context, e *AttachmentIndexEntry) error {
	defer logger.DeferLogDuration("attachRepo.Upsert", time.Now())()
	if e.Status == "" || e.Status == "pending" {
		e.Status = "ready"
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attachment_index (url, media_type, status, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (url)
		 DO UPDATE SET media_type = EXCLUDED.media_type, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		e.URL, e.MediaType, e.Status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("attachRepo.Upsert: %w", err)
	}
	return nil
}

func (r *AttachmentIndexRepository) GetByURL(ctx context.Context, url string) (*AttachmentIndexEntry, error) {
	defer logger.DeferLogDuration("attachRepo.GetByURL", time.Now())()
	e := &AttachmentIndexEntry{}
	err := r.pool.QueryRow(ctx,
		`SELECT url, media_type, status, updated_at FROM attachment_index WHERE url = $1`, url,
	).Scan(&e.URL, &e.MediaType, &e.Status, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("attachRepo.GetByURL: %w", err)
	}
	return e, nil
}
