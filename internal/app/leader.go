package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
)

const releaseTimeout = 5 * time.Second

// LeaderRunner runs singleton background work on whichever instance holds
// the leader lock. Non-leaders retry acquisition every interval; the leader
// renews on the same cadence and stops its work as soon as a renewal fails.
type LeaderRunner struct {
	lock     domain.LeaderLock
	clock    clockwork.Clock
	interval time.Duration
	name     string

	mu     sync.Mutex
	leader bool
}

// NewLeaderRunner creates a runner. interval should be well below the lock TTL.
func NewLeaderRunner(lock domain.LeaderLock, clock clockwork.Clock, interval time.Duration, name string) *LeaderRunner {
	return &LeaderRunner{lock: lock, clock: clock, interval: interval, name: name}
}

// IsLeader reports whether this instance currently runs the work.
func (r *LeaderRunner) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader
}

func (r *LeaderRunner) setLeader(v bool) {
	r.mu.Lock()
	r.leader = v
	r.mu.Unlock()
}

// Run blocks until ctx is cancelled. work receives a context that is
// cancelled when leadership ends; Run waits for work to return before it
// tries to acquire again.
func (r *LeaderRunner) Run(ctx context.Context, work func(ctx context.Context)) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	var (
		stopWork context.CancelFunc
		workDone chan struct{}
	)
	stop := func() {
		if stopWork == nil {
			return
		}
		stopWork()
		<-workDone
		stopWork, workDone = nil, nil
		r.setLeader(false)
	}

	step := func() {
		if stopWork != nil {
			if err := r.lock.Renew(ctx); err != nil {
				slog.WarnContext(ctx, "Leadership lost", "job", r.name, "error", err)
				stop()
			}
			return
		}

		acquired, err := r.lock.TryAcquire(ctx)
		if err != nil {
			slog.WarnContext(ctx, "Leader lock acquisition failed", "job", r.name, "error", err)
			return
		}
		if !acquired {
			return
		}

		slog.InfoContext(ctx, "Acquired leadership", "job", r.name)
		r.setLeader(true)
		var workCtx context.Context
		workCtx, stopWork = context.WithCancel(ctx)
		workDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			work(workCtx)
		}(workDone)
	}

	step()
	for {
		select {
		case <-ctx.Done():
			wasLeader := stopWork != nil
			stop()
			if wasLeader {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
				if err := r.lock.Release(releaseCtx); err != nil {
					slog.Warn("Failed to release leader lock", "job", r.name, "error", err)
				}
				cancel()
			}
			return
		case <-ticker.Chan():
			step()
		}
	}
}
