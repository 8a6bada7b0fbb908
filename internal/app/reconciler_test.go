package app

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/memory"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingSessions reports every lookup as a store failure.
type failingSessions struct {
	domain.SessionRepository
}

func (failingSessions) Get(context.Context, string, string) (*domain.Session, error) {
	return nil, domain.ErrStoreUnavailable
}

func symbolsOf(s ...string) func() []string {
	return func() []string { return s }
}

func TestSubscriptionReconciler_RemovesOrphans(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	sessions := memory.NewSessionRepository(clock)
	subs := memory.NewSubscriptionRepository()

	require.NoError(t, sessions.Save(ctx, domain.Session{ID: "live", UserID: "u1"}, time.Hour))
	require.NoError(t, subs.Add(ctx, domain.Subscription{Topic: "AAPL", UserID: "u1", SessionID: "live"}))
	require.NoError(t, subs.Add(ctx, domain.Subscription{Topic: "AAPL", UserID: "u2", SessionID: "gone"}))
	require.NoError(t, subs.Add(ctx, domain.Subscription{Topic: "MSFT", UserID: "u2", SessionID: "gone"}))

	r := NewSubscriptionReconciler(symbolsOf("AAPL", "MSFT"), subs, sessions, clock, time.Minute)
	removed, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	members, err := subs.Members(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "live", members[0].SessionID)

	removed, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSubscriptionReconciler_StoreErrorKeepsSubscriptions(t *testing.T) {
	ctx := context.Background()
	subs := memory.NewSubscriptionRepository()
	require.NoError(t, subs.Add(ctx, domain.Subscription{Topic: "AAPL", UserID: "u1", SessionID: "s1"}))

	r := NewSubscriptionReconciler(symbolsOf("AAPL"), subs, failingSessions{}, clockwork.NewFakeClock(), time.Minute)
	_, err := r.Reconcile(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	members, err := subs.Members(ctx, "AAPL")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestSubscriptionReconciler_RunsOnInterval(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	subs := memory.NewSubscriptionRepository()
	require.NoError(t, subs.Add(ctx, domain.Subscription{Topic: "AAPL", UserID: "u1", SessionID: "gone"}))

	r := NewSubscriptionReconciler(symbolsOf("AAPL"), subs, memory.NewSessionRepository(clock), clock, time.Minute)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Start(ctx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		members, err := subs.Members(ctx, "AAPL")
		return err == nil && len(members) == 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	waitSignal(t, done)
}
