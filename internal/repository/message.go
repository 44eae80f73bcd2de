package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teamline/internal/logger"
	"github.com/teamline/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	atts, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("msgRepo.Create marshal attachments: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_name, body, kind, attachments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.RoomID, m.SenderID, m.SenderName, m.Body, m.Kind, atts, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	var atts []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, room_id, sender_id, sender_name, body, kind, attachments, created_at
		 FROM messages
		 WHERE id = $1`, id,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.Kind, &atts, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if err := json.Unmarshal(atts, &m.Attachments); err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID unmarshal attachments: %w", err)
	}
	return m, nil
}

// ListByRoom returns up to limit messages ordered oldest first.
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, sender_id, sender_name, body, kind, attachments, created_at
		 FROM (
			SELECT id, room_id, sender_id, sender_name, body, kind, attachments, created_at
			FROM messages
			WHERE room_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		 ) recent
		 ORDER BY created_at ASC`, roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		var atts []byte
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.Kind, &atts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom scan: %w", err)
		}
		if err := json.Unmarshal(atts, &m.Attachments); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom unmarshal attachments: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom rows: %w", err)
	}
	return messages, nil
}

// CountAfter counts messages in a room created after the given time,
// excluding those sent by excludeSender.
func (r *MessageRepository) CountAfter(ctx context.Context, roomID string, after time.Time, excludeSender string) (int, error) {
	defer logger.DeferLogDuration("msg.CountAfter", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE room_id = $1 AND created_at > $2 AND sender_id <> $3`,
		roomID, after, excludeSender,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountAfter: %w", err)
	}
	return n, nil
}
