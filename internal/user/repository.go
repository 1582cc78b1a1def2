package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("email already exists")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	query := `INSERT INTO users (id, full_name, email, password, profile_pic)
              VALUES ($1, $2, $3, $4, $5) RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, u.ID, u.FullName, u.Email, u.Password, u.ProfilePic).Scan(&u.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "SQLSTATE 23505") {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return u, nil
}

const selectUser = `SELECT id, full_name, email, password, profile_pic, created_at FROM users`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.Password, &u.ProfilePic, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+" WHERE email = $1", email))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+" WHERE id = $1", id))
}

// ListOthers is the sidebar directory: everyone except the caller.
func (r *Repository) ListOthers(ctx context.Context, excludeID string) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, selectUser+" WHERE id <> $1 ORDER BY full_name", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (r *Repository) UpdateProfilePic(ctx context.Context, id, pic string) (*User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET profile_pic = $2 WHERE id = $1
         RETURNING id, full_name, email, password, profile_pic, created_at`, id, pic))
}
