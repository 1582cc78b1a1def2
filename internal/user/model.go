package user

import (
	"time"

	"chatsync/internal/model"
)

type User struct {
	ID         string
	FullName   string
	Email      string
	Password   string
	ProfilePic string
	CreatedAt  time.Time
}

func (u *User) Identity() model.Identity {
	return model.Identity{
		ID:         u.ID,
		FullName:   u.FullName,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
		CreatedAt:  u.CreatedAt,
	}
}

func (u *User) Contact() model.Contact {
	return model.Contact{
		ID:         u.ID,
		FullName:   u.FullName,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
	}
}
