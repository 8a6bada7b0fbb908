package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/pscheid92/tickerpulse/internal/platform/correlation"
)

const defaultReconcileInterval = 5 * time.Minute

// SubscriptionReconciler removes subscriptions whose session no longer
// exists, e.g. after an instance crashed without cleaning up.
type SubscriptionReconciler struct {
	symbols  func() []string
	subs     domain.SubscriptionRepository
	sessions domain.SessionRepository
	interval time.Duration
	clock    clockwork.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSubscriptionReconciler(symbols func() []string, subs domain.SubscriptionRepository, sessions domain.SessionRepository, clock clockwork.Clock, interval time.Duration) *SubscriptionReconciler {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &SubscriptionReconciler{
		symbols:  symbols,
		subs:     subs,
		sessions: sessions,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop is called or ctx is done.
func (r *SubscriptionReconciler) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			runCtx := correlation.WithID(ctx, correlation.NewID())
			removed, err := r.Reconcile(runCtx)
			if err != nil {
				slog.ErrorContext(runCtx, "Subscription reconciliation failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.InfoContext(runCtx, "Removed orphaned subscriptions", "count", removed)
			}
		case <-r.stopCh:
			slog.Info("Subscription reconciler stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *SubscriptionReconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Reconcile makes one pass over every known topic.
func (r *SubscriptionReconciler) Reconcile(ctx context.Context) (int, error) {
	removed := 0
	for _, topic := range r.symbols() {
		members, err := r.subs.Members(ctx, topic)
		if err != nil {
			return removed, err
		}
		for _, sub := range members {
			_, err := r.sessions.Get(ctx, sub.UserID, sub.SessionID)
			if err == nil {
				continue
			}
			if !errors.Is(err, domain.ErrSessionNotFound) {
				return removed, err
			}
			if err := r.subs.Remove(ctx, topic, sub.SessionID); err != nil {
				return removed, err
			}
			slog.DebugContext(ctx, "Removed orphaned subscription", "symbol", topic, "session_id", sub.SessionID, "user_id", sub.UserID)
			removed++
		}
	}
	return removed, nil
}
