package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Renew when another instance holds the lock or
// it expired.
var ErrLeaseLost = errors.New("leader lease lost")

// LeaderLock implements domain.LeaderLock with SET NX and a TTL. Renew and
// Release only act while the stored value is this instance's id.
type LeaderLock struct {
	rdb        *goredis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

var _ domain.LeaderLock = (*LeaderLock)(nil)

// NewLeaderLock creates a lock on key. instanceID must be unique per
// instance (e.g. hostname-PID).
func NewLeaderLock(rdb *goredis.Client, key, instanceID string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{rdb: rdb, key: key, instanceID: instanceID, ttl: ttl}
}

func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, wrap("acquire leader lock", err)
	}
	return ok, nil
}

func (l *LeaderLock) Renew(ctx context.Context) error {
	n, err := renewLeaderScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return wrap("renew leader lock", err)
	}
	if n == 0 {
		return fmt.Errorf("renew %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}

func (l *LeaderLock) Release(ctx context.Context) error {
	err := releaseLeaderScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err()
	return wrap("release leader lock", err)
}
