package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"chatsync/internal/model"
)

// ErrUnknownUser is returned when a message names a user that does not exist.
var ErrUnknownUser = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	images, err := json.Marshal(nonNil(msg.Images))
	if err != nil {
		return model.Message{}, err
	}
	query := `INSERT INTO messages (id, sender_id, receiver_id, text, image, images)
              VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
	err = r.db.QueryRowContext(ctx, query, msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.Image, string(images)).Scan(&msg.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "SQLSTATE 23503") || strings.Contains(err.Error(), "SQLSTATE 22P02") {
			return model.Message{}, ErrUnknownUser
		}
		return model.Message{}, err
	}
	return msg, nil
}

// Conversation returns every message between a and b, oldest first.
func (r *Repository) Conversation(ctx context.Context, a, b string) ([]model.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, text, image, images, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, a, b)
	if err != nil {
		if strings.Contains(err.Error(), "SQLSTATE 22P02") {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var msg model.Message
		var images []byte
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.Image, &images, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(images, &msg.Images); err != nil {
			return nil, err
		}
		if len(msg.Images) == 0 {
			msg.Images = nil
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func nonNil(images []string) []string {
	if images == nil {
		return []string{}
	}
	return images
}
