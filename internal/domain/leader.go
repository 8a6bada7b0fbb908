package domain

import "context"

// LeaderLock elects a single instance for singleton background work.
type LeaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}
