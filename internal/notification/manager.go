// Package notification stores per-user notifications and delivers them
// through the reliable queue to every connection of the user.
package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/pscheid92/tickerpulse/internal/queue"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, delay time.Duration) (string, error)
}

type SessionChecker interface {
	HasActiveSession(ctx context.Context, userID string) (bool, error)
}

// Input is a notification to dispatch.
type Input struct {
	Type     string          `json:"type" validate:"required,max=64"`
	Title    string          `json:"title" validate:"required,max=200"`
	Message  string          `json:"message" validate:"required,max=2000"`
	Priority domain.Priority `json:"priority" validate:"omitempty,oneof=low normal high"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type Config struct {
	Limit int
	TTL   time.Duration
}

// delivery is the queue payload for one notification.
type delivery struct {
	UserID       string              `json:"userId"`
	Notification domain.Notification `json:"notification"`
}

type Manager struct {
	repo     domain.NotificationRepository
	queue    Enqueuer
	sessions SessionChecker
	bus      domain.Bus
	clock    clockwork.Clock
	cfg      Config
	validate *validator.Validate
}

func NewManager(repo domain.NotificationRepository, q Enqueuer, sessions SessionChecker, bus domain.Bus, clock clockwork.Clock, cfg Config) *Manager {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Manager{
		repo:     repo,
		queue:    q,
		sessions: sessions,
		bus:      bus,
		clock:    clock,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// SetQueue attaches the delivery queue. The queue's handler is Deliver, so
// the two are built in sequence.
func (m *Manager) SetQueue(q Enqueuer) {
	m.queue = q
}

// Dispatch stores the notification and schedules its delivery. The stored
// copy survives even when delivery later fails.
func (m *Manager) Dispatch(ctx context.Context, userID string, in Input) (*domain.Notification, error) {
	if userID == "" {
		return nil, apperrors.Validation("userId is required", nil)
	}
	if err := m.validate.Struct(in); err != nil {
		return nil, apperrors.FromValidation(err)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}

	n := domain.Notification{
		ID:        uuid.NewString(),
		Type:      in.Type,
		Title:     in.Title,
		Message:   in.Message,
		Priority:  in.Priority,
		Payload:   in.Payload,
		Timestamp: m.clock.Now(),
	}

	if err := m.repo.Append(ctx, userID, n, m.cfg.Limit, m.cfg.TTL); err != nil {
		return nil, storeError("failed to store notification", err)
	}

	if _, err := m.queue.Enqueue(ctx, delivery{UserID: userID, Notification: n}, 0); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Notification dispatched", "user_id", userID, "notification_id", n.ID, "type", n.Type)
	return &n, nil
}

// Deliver is the queue handler. It fails while the user has no active
// session so the message is retried and eventually dead-lettered.
func (m *Manager) Deliver(ctx context.Context, msg domain.QueuedMessage) error {
	var d delivery
	if err := queue.Decode(msg, &d); err != nil {
		return err
	}

	active, err := m.sessions.HasActiveSession(ctx, d.UserID)
	if err != nil {
		return apperrors.ProcessingFailed(msg.ID, err)
	}
	if !active {
		return apperrors.ProcessingFailed(msg.ID, domain.ErrNoActiveSession)
	}

	b, err := domain.NewBroadcast(domain.UserRoom(d.UserID), domain.EventNotification, d.Notification)
	if err != nil {
		return apperrors.ProcessingFailed(msg.ID, err)
	}
	if err := m.bus.Publish(ctx, b); err != nil {
		return apperrors.ProcessingFailed(msg.ID, err)
	}

	slog.DebugContext(ctx, "Notification delivered", "user_id", d.UserID, "notification_id", d.Notification.ID, "attempt", msg.Attempts+1)
	return nil
}

// GetNotifications returns the user's notifications, newest first.
func (m *Manager) GetNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > m.cfg.Limit {
		limit = m.cfg.Limit
	}
	// Filter after reading the whole bounded list so limit counts matches.
	all, err := m.repo.List(ctx, userID, 0)
	if err != nil {
		return nil, storeError("failed to list notifications", err)
	}

	out := make([]domain.Notification, 0, min(limit, len(all)))
	for _, n := range all {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkAsRead flags one notification as read. Marking twice is not an error.
func (m *Manager) MarkAsRead(ctx context.Context, userID, id string) error {
	all, err := m.repo.List(ctx, userID, 0)
	if err != nil {
		return storeError("failed to list notifications", err)
	}
	found := false
	for _, n := range all {
		if n.ID == id {
			found = true
			break
		}
	}
	if !found {
		return apperrors.NotFound("notification not found", domain.ErrNotificationNotFound).WithField("id", id)
	}

	if _, err := m.repo.MarkRead(ctx, userID, id); err != nil {
		return storeError("failed to mark notification read", err)
	}
	return nil
}

// MarkAllAsRead flags every stored notification as read and returns how many
// changed.
func (m *Manager) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	all, err := m.repo.List(ctx, userID, 0)
	if err != nil {
		return 0, storeError("failed to list notifications", err)
	}
	ids := make([]string, 0, len(all))
	for _, n := range all {
		if !n.Read {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	changed, err := m.repo.MarkRead(ctx, userID, ids...)
	if err != nil {
		return 0, storeError("failed to mark notifications read", err)
	}
	return changed, nil
}

func (m *Manager) UnreadCount(ctx context.Context, userID string) (int, error) {
	all, err := m.repo.List(ctx, userID, 0)
	if err != nil {
		return 0, storeError("failed to list notifications", err)
	}
	unread := 0
	for _, n := range all {
		if !n.Read {
			unread++
		}
	}
	return unread, nil
}

func storeError(msg string, err error) error {
	if domain.IsStoreUnavailable(err) {
		return apperrors.StoreUnavailable(err)
	}
	return apperrors.Internal(msg, err)
}
