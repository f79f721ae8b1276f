package models

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned by session stores when a session does not exist or belongs to another user.
var ErrSessionNotFound = errors.New("session not found")

// Session represents a conversation container owned by a single user. It provides basic identification and
// labeling capabilities for organizing message threads.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
