package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/pscheid92/tickerpulse/internal/platform/retry"
)

// Deliverer hands a broadcast to local room members.
type Deliverer interface {
	Deliver(room, event string, data json.RawMessage)
}

// Relay forwards every bus broadcast to the local hub. If the subscription
// drops it resubscribes with exponential backoff.
type Relay struct {
	bus   domain.Bus
	hub   Deliverer
	clock clockwork.Clock

	retryBase time.Duration
	retryCap  time.Duration

	ready     chan struct{}
	readyOnce sync.Once
}

func NewRelay(bus domain.Bus, hub Deliverer, clock clockwork.Clock) *Relay {
	return &Relay{
		bus:       bus,
		hub:       hub,
		clock:     clock,
		retryBase: 500 * time.Millisecond,
		retryCap:  30 * time.Second,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the first subscription is established.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	failures := 0
	for {
		ch, cancel, err := r.bus.Subscribe(ctx)
		if err != nil {
			delay := retry.Backoff(r.retryBase, r.retryCap, failures)
			failures++
			slog.WarnContext(ctx, "Relay subscribe failed, retrying", "error", err, "backoff", delay)
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(delay):
			}
			continue
		}

		failures = 0
		r.readyOnce.Do(func() { close(r.ready) })
		r.forward(ctx, ch)
		cancel()

		if ctx.Err() != nil {
			return
		}
		slog.WarnContext(ctx, "Relay subscription closed, resubscribing")
	}
}

func (r *Relay) forward(ctx context.Context, ch <-chan domain.Broadcast) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.Deliver(msg.Room, msg.Event, msg.Data)
		}
	}
}
