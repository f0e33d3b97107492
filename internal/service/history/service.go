// Package history is the durable conversation log. Messages are append-only:
// this service is the single writer and no code path updates or deletes rows.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatflow/internal/models"
)

// Service persists and lists conversation messages.
type Service struct {
	db *sql.DB
}

// NewService builds a new history service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Append durably writes one message and returns the stored record with its
// server-assigned id and timestamp. There is no retry on failure; callers
// surface a scoped error and the sender must resend.
func (s *Service) Append(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.ChatID == "" {
		return nil, errors.New("chat id is required")
	}
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.Body == "" {
		return nil, errors.New("message cannot be empty")
	}
	msg.HasImage = len(msg.ImageData) > 0

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, sender, message, is_ai, image_data, has_image, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID, nullableID(msg.Sender), msg.Body, msg.IsAI, msg.ImageData, msg.HasImage, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// ListByChat returns every message of a conversation in creation order. The
// sender column scans into a plain user id so callers can compare identities
// across the auth and storage layers.
func (s *Service) ListByChat(ctx context.Context, chatID string) ([]*models.Message, error) {
	if chatID == "" {
		return nil, errors.New("chat id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, sender, message, is_ai, image_data, has_image, created_at
		 FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var sender sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ChatID, &sender, &m.Body, &m.IsAI, &m.ImageData, &m.HasImage, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if sender.Valid {
			id := sender.Int64
			m.Sender = &id
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
