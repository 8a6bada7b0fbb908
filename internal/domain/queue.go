package domain

import (
	"context"
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// QueuedMessage is a unit of work in the delivery queue.
type QueuedMessage struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	Status     MessageStatus   `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
}

// Expired reports whether the message outlived its deadline at now.
func (m QueuedMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now)
}

// DeadLetter is a message that exhausted its retry budget.
type DeadLetter struct {
	Message  QueuedMessage `json:"message"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failedAt"`
}

type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// QueueStore persists a named time-ordered queue. Claim must hand each due
// message to exactly one caller.
type QueueStore interface {
	Add(ctx context.Context, msg QueuedMessage, dueAt time.Time) error
	Claim(ctx context.Context, now time.Time, limit int) ([]QueuedMessage, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, msg QueuedMessage, dueAt time.Time) error
	DeadLetter(ctx context.Context, letter DeadLetter) error
	RequeueStale(ctx context.Context, claimedBefore, now time.Time) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
