package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
)

type MembershipRepository struct {
	pool *pgxpool.Pool
}

func NewMembershipRepository(pool *pgxpool.Pool) *MembershipRepository {
	return &MembershipRepository{pool: pool}
}

// Upsert inserts or refreshes a membership row keyed by (room_id, user_id).
func (r *MembershipRepository) Upsert(ctx context.Context, m *model.Membership) error {
	defer logger.DeferLogDuration("memberRepo.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_membership (room_id, user_id, role, is_online, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (room_id, user_id)
		 DO UPDATE SET role = EXCLUDED.role, is_online = EXCLUDED.is_online, last_seen_at = EXCLUDED.last_seen_at`,
		m.RoomID, m.UserID, m.Role, m.IsOnline, m.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("memberRepo.Upsert: %w", err)
	}
	return nil
}

func (r *MembershipRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("memberRepo.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_membership WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("memberRepo.IsMember: %w", err)
	}
	return exists, nil
}

// MemberIDs returns every user id in a room, optionally excluding one.
func (r *MembershipRepository) MemberIDs(ctx context.Context, roomID, exclude string) ([]string, error) {
	defer logger.DeferLogDuration("memberRepo.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM room_membership WHERE room_id = $1 AND user_id <> $2`,
		roomID, exclude,
	)
	if err != nil {
		return nil, fmt.Errorf("memberRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("memberRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memberRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}

// ListByUser returns every room membership of one user, for the activity
// feed bootstrap.
func (r *MembershipRepository) ListByUser(ctx context.Context, userID string) ([]model.Membership, error) {
	defer logger.DeferLogDuration("memberRepo.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT room_id, user_id, role, is_online, last_seen_at
		 FROM room_membership
		 WHERE user_id = $1
		 ORDER BY room_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("memberRepo.ListByUser query: %w", err)
	}
	defer rows.Close()

	var members []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Role, &m.IsOnline, &m.LastSeenAt); err != nil {
			return nil, fmt.Errorf("memberRepo.ListByUser scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memberRepo.ListByUser rows: %w", err)
	}
	return members, nil
}

func (r *MembershipRepository) ListByRoom(ctx context.Context, roomID string) ([]model.Membership, error) {
	defer logger.DeferLogDuration("memberRepo.ListByRoom", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT room_id, user_id, role, is_online, last_seen_at
		 FROM room_membership
		 WHERE room_id = $1
		 ORDER BY user_id`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("memberRepo.ListByRoom query: %w", err)
	}
	defer rows.Close()

	var members []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Role, &m.IsOnline, &m.LastSeenAt); err != nil {
			return nil, fmt.Errorf("memberRepo.ListByRoom scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memberRepo.ListByRoom rows: %w", err)
	}
	return members, nil
}
