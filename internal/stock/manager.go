// Package stock manages symbol-keyed topic rooms: joining and leaving them,
// recording subscriptions in the coordination store, and publishing price
// updates across instances.
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/broadcast"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"golang.org/x/sync/singleflight"
)

// Rooms is the local room registry.
type Rooms interface {
	Join(room string, member broadcast.Member) (bool, error)
	Leave(room, memberID string) bool
	LeaveAll(memberID string) []string
}

// SessionLister resolves a user's active sessions across instances.
type SessionLister interface {
	ActiveSessions(ctx context.Context, userID string) ([]domain.Session, error)
}

// UpdateObserver is called after every persisted update. prev is nil for the
// first snapshot of a symbol.
type UpdateObserver func(ctx context.Context, prev *domain.Snapshot, next domain.Snapshot)

type Config struct {
	Symbols            []string
	HistoryLength      int
	BroadcastFlatTicks bool
}

// SubscribeResult is the ack payload for stock:subscribe.
type SubscribeResult struct {
	Symbol     string           `json:"symbol"`
	Subscribed bool             `json:"subscribed"`
	Snapshot   *domain.Snapshot `json:"snapshot"`
}

type Manager struct {
	rooms     Rooms
	subs      domain.SubscriptionRepository
	snapshots domain.SnapshotRepository
	sessions  SessionLister
	bus       domain.Bus
	clock     clockwork.Clock
	metrics   *metrics.FanoutMetrics
	cfg       Config

	known     map[string]struct{}
	snapGroup singleflight.Group

	mu        sync.RWMutex
	observers []UpdateObserver
}

func NewManager(rooms Rooms, subs domain.SubscriptionRepository, snapshots domain.SnapshotRepository, sessions SessionLister, bus domain.Bus, clock clockwork.Clock, m *metrics.FanoutMetrics, cfg Config) *Manager {
	known := make(map[string]struct{}, len(cfg.Symbols))
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = normalize(s)
		if s == "" {
			continue
		}
		if _, dup := known[s]; dup {
			continue
		}
		known[s] = struct{}{}
		symbols = append(symbols, s)
	}
	cfg.Symbols = symbols
	if cfg.HistoryLength < 1 {
		cfg.HistoryLength = 1
	}

	return &Manager{
		rooms:     rooms,
		subs:      subs,
		snapshots: snapshots,
		sessions:  sessions,
		bus:       bus,
		clock:     clock,
		metrics:   m,
		cfg:       cfg,
		known:     known,
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Symbols returns the configured topics in configuration order.
func (m *Manager) Symbols() []string {
	return slices.Clone(m.cfg.Symbols)
}

// Resolve normalises symbol and checks that it is a known topic.
func (m *Manager) Resolve(symbol string) (string, error) {
	s := normalize(symbol)
	if _, ok := m.known[s]; !ok {
		return "", apperrors.InvalidTopic(s)
	}
	return s, nil
}

// Observe registers fn for every persisted update.
func (m *Manager) Observe(fn UpdateObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Subscribe joins member to the symbol's room and records the subscription.
// The current snapshot, if any, is emitted to the member right away.
func (m *Manager) Subscribe(ctx context.Context, member broadcast.Member, session domain.Session, symbol string) (*domain.Snapshot, error) {
	sym, err := m.Resolve(symbol)
	if err != nil {
		return nil, err
	}

	room := domain.StockRoom(sym)
	joined, err := m.rooms.Join(room, member)
	if err != nil {
		return nil, apperrors.Internal("failed to join room", err)
	}

	sub := domain.Subscription{
		Topic:        sym,
		UserID:       session.UserID,
		SessionID:    session.ID,
		SubscribedAt: m.clock.Now(),
	}
	if err := m.subs.Add(ctx, sub); err != nil {
		if joined {
			m.rooms.Leave(room, member.ID())
		}
		return nil, storeError("failed to record subscription", err)
	}

	snap, err := m.Snapshot(ctx, sym)
	if err != nil {
		// The subscription stands; the next update brings the client up to date.
		slog.WarnContext(ctx, "Snapshot read failed after subscribe", "symbol", sym, "error", err)
		return nil, nil
	}
	if snap != nil {
		if err := member.Emit(domain.EventStockUpdate, snap); err != nil {
			slog.DebugContext(ctx, "Initial snapshot not sent", "symbol", sym, "error", err)
		}
	}

	slog.DebugContext(ctx, "Subscribed", "symbol", sym, "session_id", session.ID)
	return snap, nil
}

// Unsubscribe leaves the symbol's room and removes the subscription. It is
// idempotent.
func (m *Manager) Unsubscribe(ctx context.Context, memberID string, session domain.Session, symbol string) error {
	sym, err := m.Resolve(symbol)
	if err != nil {
		return err
	}

	m.rooms.Leave(domain.StockRoom(sym), memberID)
	if err := m.subs.Remove(ctx, sym, session.ID); err != nil {
		return storeError("failed to remove subscription", err)
	}
	return nil
}

// CleanupSession leaves every room and drops the session's stored subscriptions.
func (m *Manager) CleanupSession(ctx context.Context, memberID string, session domain.Session) error {
	m.rooms.LeaveAll(memberID)
	if err := m.subs.RemoveSession(ctx, session.ID); err != nil {
		return storeError("failed to remove session subscriptions", err)
	}
	return nil
}

// CleanupForUser removes subscriptions of userID whose session is no longer
// active, across every known topic.
func (m *Manager) CleanupForUser(ctx context.Context, userID string) (int, error) {
	active, err := m.sessions.ActiveSessions(ctx, userID)
	if err != nil {
		return 0, storeError("failed to list active sessions", err)
	}
	alive := make(map[string]struct{}, len(active))
	for _, s := range active {
		alive[s.ID] = struct{}{}
	}

	removed := 0
	var errs []error
	for _, sym := range m.cfg.Symbols {
		members, err := m.subs.Members(ctx, sym)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, sub := range members {
			if sub.UserID != userID {
				continue
			}
			if _, ok := alive[sub.SessionID]; ok {
				continue
			}
			if err := m.subs.Remove(ctx, sym, sub.SessionID); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	if len(errs) > 0 {
		return removed, storeError("cleanup incomplete", errors.Join(errs...))
	}
	if removed > 0 {
		slog.InfoContext(ctx, "Removed stale subscriptions", "user_id", userID, "count", removed)
	}
	return removed, nil
}

// Snapshot returns the current value of symbol, or nil when none exists yet.
// Concurrent reads of the same symbol share one store round trip.
func (m *Manager) Snapshot(ctx context.Context, symbol string) (*domain.Snapshot, error) {
	v, err, _ := m.snapGroup.Do(symbol, func() (any, error) {
		return m.snapshots.Get(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	snap, _ := v.(*domain.Snapshot)
	if snap == nil {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// History returns up to limit snapshots of symbol, newest first.
func (m *Manager) History(ctx context.Context, symbol string, limit int) ([]domain.Snapshot, error) {
	sym, err := m.Resolve(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > m.cfg.HistoryLength {
		limit = m.cfg.HistoryLength
	}
	history, err := m.snapshots.History(ctx, sym, limit)
	if err != nil {
		return nil, storeError("failed to read history", err)
	}
	return history, nil
}

// PublishUpdate persists the snapshot derived from tick and broadcasts it to
// the symbol's room on every instance.
func (m *Manager) PublishUpdate(ctx context.Context, tick domain.Tick) (*domain.Snapshot, error) {
	sym, err := m.Resolve(tick.Symbol)
	if err != nil {
		return nil, err
	}
	tick.Symbol = sym
	if tick.Timestamp.IsZero() {
		tick.Timestamp = m.clock.Now()
	}

	prev, err := m.snapshots.Get(ctx, sym)
	if err != nil {
		return nil, storeError("failed to read snapshot", err)
	}

	next := domain.NextSnapshot(prev, tick)
	if err := m.snapshots.Save(ctx, next, m.cfg.HistoryLength); err != nil {
		return nil, storeError("failed to save snapshot", err)
	}

	flat := prev != nil && prev.Price == next.Price
	if flat && !m.cfg.BroadcastFlatTicks {
		m.metrics.FlatTicksSuppressed.Inc()
	} else {
		if err := m.broadcast(ctx, next); err != nil {
			// Updates are fire-and-forget; the stored snapshot is still current.
			slog.WarnContext(ctx, "Failed to publish update", "symbol", sym, "error", err)
		}
	}

	m.mu.RLock()
	observers := slices.Clone(m.observers)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, prev, next)
	}

	return &next, nil
}

func (m *Manager) broadcast(ctx context.Context, snap domain.Snapshot) error {
	b, err := domain.NewBroadcast(domain.StockRoom(snap.Symbol), domain.EventStockUpdate, snap)
	if err != nil {
		return err
	}
	if err := m.bus.Publish(ctx, b); err != nil {
		return err
	}
	m.metrics.UpdatesPublished.WithLabelValues(snap.Symbol).Inc()
	return nil
}

func storeError(msg string, err error) error {
	if domain.IsStoreUnavailable(err) {
		return apperrors.StoreUnavailable(err)
	}
	return apperrors.Internal(msg, fmt.Errorf("%s: %w", msg, err))
}
