package domain

import (
	"context"
	"time"
)

type AlertCondition string

const (
	AlertAbove AlertCondition = "above"
	AlertBelow AlertCondition = "below"
)

// Alert fires once when a symbol's price crosses Threshold in the given direction.
type Alert struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Symbol    string         `json:"symbol"`
	Condition AlertCondition `json:"condition"`
	Threshold float64        `json:"threshold"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Crossed reports whether the move from prev to next crosses the threshold.
func (a Alert) Crossed(prev, next float64) bool {
	switch a.Condition {
	case AlertAbove:
		return prev < a.Threshold && next >= a.Threshold
	case AlertBelow:
		return prev > a.Threshold && next <= a.Threshold
	default:
		return false
	}
}

type AlertRepository interface {
	Save(ctx context.Context, alert Alert) error
	ListBySymbol(ctx context.Context, symbol string) ([]Alert, error)
	ListByUser(ctx context.Context, userID string) ([]Alert, error)
	// Remove deletes the alert and reports whether this call removed it.
	Remove(ctx context.Context, userID, alertID string) (bool, error)
}
