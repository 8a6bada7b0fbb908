package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

func subscriptionsKey(topic string) string {
	return fmt.Sprintf("subscriptions:%s", topic)
}

func sessionTopicsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:topics", sessionID)
}

func snapshotKey(symbol string) string {
	return fmt.Sprintf("stock:%s:snapshot", symbol)
}

func historyKey(symbol string) string {
	return fmt.Sprintf("stock:%s:history", symbol)
}

// SubscriptionRepository keeps one hash per topic keyed by session id, plus
// a reverse set per session for cleanup.
type SubscriptionRepository struct {
	rdb *goredis.Client
}

var _ domain.SubscriptionRepository = (*SubscriptionRepository)(nil)

func NewSubscriptionRepository(rdb *goredis.Client) *SubscriptionRepository {
	return &SubscriptionRepository{rdb: rdb}
}

func (r *SubscriptionRepository) Add(ctx context.Context, sub domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, subscriptionsKey(sub.Topic), sub.SessionID, data)
	pipe.SAdd(ctx, sessionTopicsKey(sub.SessionID), sub.Topic)
	_, err = pipe.Exec(ctx)
	return wrap("add subscription", err)
}

func (r *SubscriptionRepository) Remove(ctx context.Context, topic, sessionID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, subscriptionsKey(topic), sessionID)
	pipe.SRem(ctx, sessionTopicsKey(sessionID), topic)
	_, err := pipe.Exec(ctx)
	return wrap("remove subscription", err)
}

func (r *SubscriptionRepository) Members(ctx context.Context, topic string) ([]domain.Subscription, error) {
	entries, err := r.rdb.HGetAll(ctx, subscriptionsKey(topic)).Result()
	if err != nil {
		return nil, wrap("list members", err)
	}

	out := make([]domain.Subscription, 0, len(entries))
	for _, raw := range entries {
		var sub domain.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (r *SubscriptionRepository) TopicsForSession(ctx context.Context, sessionID string) ([]string, error) {
	topics, err := r.rdb.SMembers(ctx, sessionTopicsKey(sessionID)).Result()
	if err != nil {
		return nil, wrap("list session topics", err)
	}
	sort.Strings(topics)
	return topics, nil
}

func (r *SubscriptionRepository) RemoveSession(ctx context.Context, sessionID string) error {
	topics, err := r.rdb.SMembers(ctx, sessionTopicsKey(sessionID)).Result()
	if err != nil {
		return wrap("list session topics", err)
	}

	pipe := r.rdb.TxPipeline()
	for _, topic := range topics {
		pipe.HDel(ctx, subscriptionsKey(topic), sessionID)
	}
	pipe.Del(ctx, sessionTopicsKey(sessionID))
	_, err = pipe.Exec(ctx)
	return wrap("remove session subscriptions", err)
}

type SnapshotRepository struct {
	rdb *goredis.Client
}

var _ domain.SnapshotRepository = (*SnapshotRepository)(nil)

func NewSnapshotRepository(rdb *goredis.Client) *SnapshotRepository {
	return &SnapshotRepository{rdb: rdb}
}

// Get returns nil without error when the symbol has no snapshot yet.
func (r *SnapshotRepository) Get(ctx context.Context, symbol string) (*domain.Snapshot, error) {
	data, err := r.rdb.Get(ctx, snapshotKey(symbol)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get snapshot", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (r *SnapshotRepository) Save(ctx context.Context, snapshot domain.Snapshot, historyLength int) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKey(snapshot.Symbol), data, 0)
	if historyLength > 0 {
		pipe.LPush(ctx, historyKey(snapshot.Symbol), data)
		pipe.LTrim(ctx, historyKey(snapshot.Symbol), 0, int64(historyLength-1))
	}
	_, err = pipe.Exec(ctx)
	return wrap("save snapshot", err)
}

// History returns up to limit snapshots, newest first. limit <= 0 returns all.
func (r *SnapshotRepository) History(ctx context.Context, symbol string, limit int) ([]domain.Snapshot, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	entries, err := r.rdb.LRange(ctx, historyKey(symbol), 0, stop).Result()
	if err != nil {
		return nil, wrap("get history", err)
	}

	out := make([]domain.Snapshot, 0, len(entries))
	for _, raw := range entries {
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}
