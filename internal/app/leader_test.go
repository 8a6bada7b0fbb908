package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	mu       sync.Mutex
	free     bool
	renewErr error
	released int
}

func (l *fakeLock) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.free {
		return false, nil
	}
	l.free = false
	return true, nil
}

func (l *fakeLock) Renew(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewErr
}

func (l *fakeLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	l.free = true
	return nil
}

func (l *fakeLock) set(free bool, renewErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.free = free
	l.renewErr = renewErr
}

func (l *fakeLock) releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

func TestLeaderRunner_RunsWorkOnlyWhileLeader(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lock := &fakeLock{}
	runner := NewLeaderRunner(lock, clock, 10*time.Second, "feed")

	started := make(chan struct{}, 2)
	stopped := make(chan struct{}, 2)
	work := func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
		stopped <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx, work)
		close(done)
	}()

	// Another instance holds the lock.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.False(t, runner.IsLeader())

	lock.set(true, nil)
	clock.Advance(10 * time.Second)
	waitSignal(t, started)
	assert.True(t, runner.IsLeader())

	lock.set(false, errors.New("lease lost"))
	clock.Advance(10 * time.Second)
	waitSignal(t, stopped)
	assert.Eventually(t, func() bool { return !runner.IsLeader() }, time.Second, 5*time.Millisecond)

	cancel()
	waitSignal(t, done)
	assert.Equal(t, 0, lock.releases())
}

func TestLeaderRunner_ReleasesOnShutdown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lock := &fakeLock{free: true}
	runner := NewLeaderRunner(lock, clock, 10*time.Second, "feed")

	started := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx, func(ctx context.Context) {
			started <- struct{}{}
			<-ctx.Done()
		})
		close(done)
	}()

	waitSignal(t, started)
	cancel()
	waitSignal(t, done)
	assert.Equal(t, 1, lock.releases())
	assert.False(t, runner.IsLeader())
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}
