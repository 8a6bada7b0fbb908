// Package session owns the authenticated identity of every local connection
// and mirrors it into the coordination store so any instance can resolve a
// user's active sessions.
package session

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/auth"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/pscheid92/tickerpulse/internal/platform/retry"
)

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type Config struct {
	TTL           time.Duration
	TouchInterval time.Duration
	Retry         retry.Policy
}

type entry struct {
	session   domain.Session
	lastTouch time.Time
}

type Manager struct {
	verifier TokenVerifier
	repo     domain.SessionRepository
	bus      domain.Bus
	clock    clockwork.Clock
	cfg      Config

	mu     sync.RWMutex
	byConn map[string]*entry
}

func NewManager(verifier TokenVerifier, repo domain.SessionRepository, bus domain.Bus, clock clockwork.Clock, cfg Config) *Manager {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = clock
	}
	return &Manager{
		verifier: verifier,
		repo:     repo,
		bus:      bus,
		clock:    clock,
		cfg:      cfg,
		byConn:   make(map[string]*entry),
	}
}

// Authenticate verifies the handshake token and registers a session for connID.
// On failure nothing is registered or persisted.
func (m *Manager) Authenticate(ctx context.Context, connID string, h auth.Handshake, metadata map[string]string) (*domain.Session, error) {
	token, err := auth.ExtractToken(h)
	if err != nil {
		return nil, apperrors.Authentication("authentication token required", err)
	}
	claims, err := m.verifier.Verify(token)
	if err != nil {
		return nil, apperrors.Authentication("invalid or expired token", err)
	}

	now := m.clock.Now()
	s := domain.Session{
		ID:           connID,
		UserID:       claims.UserID,
		Username:     claims.Username,
		JoinedAt:     now,
		LastActiveAt: now,
		Metadata:     maps.Clone(metadata),
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.byConn[connID] = &entry{session: s, lastTouch: now}
	m.mu.Unlock()

	m.publishPresence(ctx, domain.EventUserOnline, s, now)
	slog.InfoContext(ctx, "Session authenticated", "user_id", s.UserID, "socket_id", connID)

	out := s
	return &out, nil
}

func (m *Manager) persist(ctx context.Context, s domain.Session) error {
	err := retry.DoVoid(ctx, m.cfg.Retry, retry.Transient(domain.IsStoreUnavailable), func() error {
		return m.repo.Save(ctx, s, m.cfg.TTL)
	})
	if err == nil {
		return nil
	}
	if domain.IsStoreUnavailable(err) {
		return apperrors.StoreUnavailable(err)
	}
	return apperrors.Internal("failed to persist session", err)
}

// SessionForConnection returns a copy of the session bound to connID.
func (m *Manager) SessionForConnection(connID string) (domain.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byConn[connID]
	if !ok {
		return domain.Session{}, false
	}
	return e.session, true
}

// Validate reports whether connID has a session whose token has not expired.
func (m *Manager) Validate(connID string) bool {
	s, ok := m.SessionForConnection(connID)
	if !ok {
		return false
	}
	return s.ExpiresAt.IsZero() || m.clock.Now().Before(s.ExpiresAt)
}

// Touch refreshes LastActiveAt and the store TTL, at most once per TouchInterval.
func (m *Manager) Touch(ctx context.Context, connID string) error {
	now := m.clock.Now()

	m.mu.Lock()
	e, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if now.Sub(e.lastTouch) < m.cfg.TouchInterval {
		m.mu.Unlock()
		return nil
	}
	e.lastTouch = now
	e.session.LastActiveAt = now
	s := e.session
	m.mu.Unlock()

	if err := m.repo.Save(ctx, s, m.cfg.TTL); err != nil {
		return apperrors.From(err)
	}
	return nil
}

// Disconnect drops the session bound to connID and returns how many sessions
// its user still holds across all instances.
func (m *Manager) Disconnect(ctx context.Context, connID string) (int, error) {
	m.mu.Lock()
	e, ok := m.byConn[connID]
	delete(m.byConn, connID)
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}
	s := e.session

	err := retry.DoVoid(ctx, m.cfg.Retry, retry.Transient(domain.IsStoreUnavailable), func() error {
		return m.repo.Delete(ctx, s.UserID, s.ID)
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to delete session, TTL will expire it", "user_id", s.UserID, "socket_id", s.ID, "error", err)
	}

	m.publishPresence(ctx, domain.EventUserOffline, s, m.clock.Now())

	remaining, err := m.repo.ListByUser(ctx, s.UserID)
	if err != nil {
		return 0, apperrors.From(err)
	}
	slog.InfoContext(ctx, "Session disconnected", "user_id", s.UserID, "socket_id", s.ID, "remaining", len(remaining))
	return len(remaining), nil
}

// ActiveSessions lists the user's sessions on every instance.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	sessions, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.From(err)
	}
	return sessions, nil
}

// HasActiveSession reports whether the user is connected anywhere.
func (m *Manager) HasActiveSession(ctx context.Context, userID string) (bool, error) {
	sessions, err := m.ActiveSessions(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// LocalCount returns the number of sessions held by this instance.
func (m *Manager) LocalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

func (m *Manager) publishPresence(ctx context.Context, event string, s domain.Session, at time.Time) {
	b, err := domain.NewBroadcast(domain.RoomAll, event, domain.Presence{
		UserID:    s.UserID,
		SocketID:  s.ID,
		Timestamp: at,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode presence", "event", event, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, b); err != nil {
		slog.WarnContext(ctx, "Failed to publish presence", "event", event, "user_id", s.UserID, "error", err)
	}
}
