// Package memory serves a user's private time capsule of images and videos.
package memory

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"chatsync/internal/model"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Save(ctx context.Context, userID string, item model.Memory) (model.Memory, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	query := `INSERT INTO memories (id, user_id, memory_type, content)
              VALUES ($1, $2, $3, $4) RETURNING upload_date`
	err := r.db.QueryRowContext(ctx, query, item.ID, userID, item.Type, item.Content).Scan(&item.UploadedAt)
	if err != nil {
		return model.Memory{}, err
	}
	return item, nil
}

// List returns the user's memories, oldest first.
func (r *Repository) List(ctx context.Context, userID string) ([]model.Memory, error) {
	query := `
		SELECT id, memory_type, content, upload_date
		FROM memories
		WHERE user_id = $1
		ORDER BY upload_date ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.Memory{}
	for rows.Next() {
		var item model.Memory
		if err := rows.Scan(&item.ID, &item.Type, &item.Content, &item.UploadedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
