package models

import (
	"fmt"
	"time"
)

// User is a registered account. Each user owns exactly one conversation,
// addressed by the key returned from ChatKey.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatKeyForUser derives the canonical conversation key for a user id.
func ChatKeyForUser(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// ChatKey returns the user's canonical conversation key.
func (u *User) ChatKey() string {
	return ChatKeyForUser(u.ID)
}
