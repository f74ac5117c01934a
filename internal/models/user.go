package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a marketplace account
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	AvatarURL    *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// UserSummary is the public view of a user shown next to listings, chats and reviews
type UserSummary struct {
	ID        uuid.UUID `json:"user_id" db:"id"`
	Username  string    `json:"username" db:"username"`
	AvatarURL *string   `json:"avatar_url,omitempty" db:"avatar_url"`
}
