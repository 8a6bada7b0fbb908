package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one upstream price observation.
type Tick struct {
	Symbol    string
	Price     float64
	Volume    int64
	Timestamp time.Time
}

// Snapshot is the current value of a topic. It is always written as a whole.
type Snapshot struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Volume        int64     `json:"volume"`
	Timestamp     time.Time `json:"timestamp"`
}

var hundred = decimal.NewFromInt(100)

// NextSnapshot derives the snapshot for tick relative to prev.
// Without a previous price the change is zero.
func NextSnapshot(prev *Snapshot, tick Tick) Snapshot {
	next := Snapshot{
		Symbol:    tick.Symbol,
		Price:     tick.Price,
		Volume:    tick.Volume,
		Timestamp: tick.Timestamp,
	}
	if prev == nil || prev.Price == 0 {
		return next
	}

	current := decimal.NewFromFloat(tick.Price)
	previous := decimal.NewFromFloat(prev.Price)
	change := current.Sub(previous)

	next.Change = change.InexactFloat64()
	next.ChangePercent = change.Div(previous).Mul(hundred).Round(4).InexactFloat64()
	return next
}

type Subscription struct {
	Topic        string            `json:"topic"`
	UserID       string            `json:"userId"`
	SessionID    string            `json:"sessionId"`
	SubscribedAt time.Time         `json:"subscribedAt"`
	Filters      map[string]string `json:"filters,omitempty"`
}

type SubscriptionRepository interface {
	Add(ctx context.Context, sub Subscription) error
	Remove(ctx context.Context, topic, sessionID string) error
	Members(ctx context.Context, topic string) ([]Subscription, error)
	TopicsForSession(ctx context.Context, sessionID string) ([]string, error)
	RemoveSession(ctx context.Context, sessionID string) error
}

type SnapshotRepository interface {
	Get(ctx context.Context, symbol string) (*Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot, historyLength int) error
	History(ctx context.Context, symbol string, limit int) ([]Snapshot, error)
}
