// Package alert keeps one-shot price alerts and turns threshold crossings
// into high-priority notifications.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/pscheid92/tickerpulse/internal/notification"
	"github.com/shopspring/decimal"
)

const NotificationType = "price_alert"

// MaxPerUser bounds how many pending alerts a user may hold.
const MaxPerUser = 50

type SymbolResolver interface {
	Resolve(symbol string) (string, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, userID string, in notification.Input) (*domain.Notification, error)
}

type createInput struct {
	Condition domain.AlertCondition `validate:"required,oneof=above below"`
	Threshold float64               `validate:"gt=0"`
}

type Manager struct {
	repo     domain.AlertRepository
	symbols  SymbolResolver
	notifier Notifier
	clock    clockwork.Clock
	validate *validator.Validate
}

func NewManager(repo domain.AlertRepository, symbols SymbolResolver, notifier Notifier, clock clockwork.Clock) *Manager {
	return &Manager{
		repo:     repo,
		symbols:  symbols,
		notifier: notifier,
		clock:    clock,
		validate: validator.New(),
	}
}

func (m *Manager) Create(ctx context.Context, userID, symbol string, condition domain.AlertCondition, threshold float64) (*domain.Alert, error) {
	sym, err := m.symbols.Resolve(symbol)
	if err != nil {
		return nil, err
	}
	if err := m.validate.Struct(createInput{Condition: condition, Threshold: threshold}); err != nil {
		return nil, apperrors.FromValidation(err)
	}

	existing, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeError("failed to list alerts", err)
	}
	if len(existing) >= MaxPerUser {
		return nil, apperrors.Validation(fmt.Sprintf("at most %d alerts per user", MaxPerUser), nil)
	}

	a := domain.Alert{
		ID:        uuid.NewString(),
		UserID:    userID,
		Symbol:    sym,
		Condition: condition,
		Threshold: threshold,
		CreatedAt: m.clock.Now(),
	}
	if err := m.repo.Save(ctx, a); err != nil {
		return nil, storeError("failed to save alert", err)
	}
	slog.InfoContext(ctx, "Alert created", "user_id", userID, "alert_id", a.ID, "symbol", sym, "condition", condition, "threshold", threshold)
	return &a, nil
}

func (m *Manager) List(ctx context.Context, userID string) ([]domain.Alert, error) {
	alerts, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeError("failed to list alerts", err)
	}
	return alerts, nil
}

func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	removed, err := m.repo.Remove(ctx, userID, id)
	if err != nil {
		return storeError("failed to delete alert", err)
	}
	if !removed {
		return apperrors.NotFound("alert not found", domain.ErrAlertNotFound).WithField("id", id)
	}
	return nil
}

type firedPayload struct {
	AlertID   string                `json:"alertId"`
	Symbol    string                `json:"symbol"`
	Condition domain.AlertCondition `json:"condition"`
	Threshold float64               `json:"threshold"`
	Price     float64               `json:"price"`
	FiredAt   time.Time             `json:"firedAt"`
}

// Evaluate fires every alert of next.Symbol whose threshold lies between the
// previous and the new price. Only the caller that removes an alert fires it.
// An alert whose notification cannot be dispatched is restored so a later
// crossing fires it again.
func (m *Manager) Evaluate(ctx context.Context, prev *domain.Snapshot, next domain.Snapshot) {
	if prev == nil {
		return
	}
	alerts, err := m.repo.ListBySymbol(ctx, next.Symbol)
	if err != nil {
		slog.WarnContext(ctx, "Alert lookup failed", "symbol", next.Symbol, "error", err)
		return
	}

	for _, a := range alerts {
		if !a.Crossed(prev.Price, next.Price) {
			continue
		}
		removed, err := m.repo.Remove(ctx, a.UserID, a.ID)
		if err != nil {
			slog.WarnContext(ctx, "Alert removal failed", "alert_id", a.ID, "error", err)
			continue
		}
		if !removed {
			continue
		}
		if err := m.fire(ctx, a, next); err != nil {
			slog.ErrorContext(ctx, "Failed to dispatch alert notification", "alert_id", a.ID, "user_id", a.UserID, "error", err)
			if err := m.repo.Save(ctx, a); err != nil {
				slog.ErrorContext(ctx, "Failed to restore alert", "alert_id", a.ID, "user_id", a.UserID, "error", err)
			}
		}
	}
}

func (m *Manager) fire(ctx context.Context, a domain.Alert, snap domain.Snapshot) error {
	payload, _ := json.Marshal(firedPayload{
		AlertID:   a.ID,
		Symbol:    a.Symbol,
		Condition: a.Condition,
		Threshold: a.Threshold,
		Price:     snap.Price,
		FiredAt:   m.clock.Now(),
	})

	price := decimal.NewFromFloat(snap.Price).StringFixed(2)
	threshold := decimal.NewFromFloat(a.Threshold).StringFixed(2)
	in := notification.Input{
		Type:     NotificationType,
		Title:    fmt.Sprintf("%s %s %s", a.Symbol, a.Condition, threshold),
		Message:  fmt.Sprintf("%s traded at %s, crossing your %s alert at %s.", a.Symbol, price, a.Condition, threshold),
		Priority: domain.PriorityHigh,
		Payload:  payload,
	}

	if _, err := m.notifier.Dispatch(ctx, a.UserID, in); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Alert fired", "alert_id", a.ID, "user_id", a.UserID, "symbol", a.Symbol, "price", snap.Price)
	return nil
}

func storeError(msg string, err error) error {
	if domain.IsStoreUnavailable(err) {
		return apperrors.StoreUnavailable(err)
	}
	return apperrors.Internal(msg, err)
}
