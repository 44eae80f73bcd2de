package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
)

type ReadMarkerRepository struct {
	pool *pgxpool.Pool
}

func NewReadMarkerRepository(pool *pgxpool.Pool) *ReadMarkerRepository {
	return &ReadMarkerRepository{pool: pool}
}

// Upsert writes the marker keyed by (room_id, user_id). Markers only move
// forward: an older timestamp never overwrites a newer one.
func (r *ReadMarkerRepository) Upsert(ctx context.Context, m *model.ReadMarker) error {
	defer logger.DeferLogDuration("readRepo.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO read_status (room_id, user_id, last_read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (room_id, user_id)
		 DO UPDATE SET last_read_at = GREATEST(read_status.last_read_at, EXCLUDED.last_read_at)`,
		m.RoomID, m.UserID, m.LastReadAt,
	)
	if err != nil {
		return fmt.Errorf("readRepo.Upsert: %w", err)
	}
	return nil
}

func (r *ReadMarkerRepository) ListByUser(ctx context.Context, userID string) ([]model.ReadMarker, error) {
	defer logger.DeferLogDuration("readRepo.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT room_id, user_id, last_read_at
		 FROM read_status
		 WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("readRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	var markers []model.ReadMarker
	for rows.Next() {
		var m model.ReadMarker
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.LastReadAt); err != nil {
			return nil, fmt.Errorf("readRepo.ListByUser scan: %w", err)
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readRepo.ListByUser rows: %w", err)
	}
	return markers, nil
}
