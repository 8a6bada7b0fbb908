package domain

import (
	"context"
	"encoding/json"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Priority  Priority        `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Read      bool            `json:"read"`
}

type NotificationRepository interface {
	Append(ctx context.Context, userID string, n Notification, limit int, ttl time.Duration) error
	List(ctx context.Context, userID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID string, ids ...string) (int, error)
}
