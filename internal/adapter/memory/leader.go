package memory

import "context"

// LeaderLock always grants leadership; a single instance has no competitors.
type LeaderLock struct{}

func (LeaderLock) TryAcquire(context.Context) (bool, error) { return true, nil }
func (LeaderLock) Renew(context.Context) error              { return nil }
func (LeaderLock) Release(context.Context) error            { return nil }
