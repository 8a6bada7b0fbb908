package domain

import (
	"context"
	"time"
)

// Session is the authenticated identity bound to one connection.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Username     string            `json:"username,omitempty"`
	JoinedAt     time.Time         `json:"joinedAt"`
	LastActiveAt time.Time         `json:"lastActiveAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Presence is broadcast when a user's connection comes or goes.
type Presence struct {
	UserID    string    `json:"userId"`
	SocketID  string    `json:"socketId"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionRepository interface {
	Save(ctx context.Context, session Session, ttl time.Duration) error
	Get(ctx context.Context, userID, sessionID string) (*Session, error)
	Delete(ctx context.Context, userID, sessionID string) error
	ListByUser(ctx context.Context, userID string) ([]Session, error)
}
