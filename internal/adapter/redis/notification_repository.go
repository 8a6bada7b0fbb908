package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

func inboxKey(userID string) string {
	return fmt.Sprintf("notifications:%s", userID)
}

func readSetKey(userID string) string {
	return fmt.Sprintf("notifications:%s:read", userID)
}

// NotificationRepository stores each user's inbox as a bounded list, newest
// first. Read state is a separate set sharing the list's TTL.
type NotificationRepository struct {
	rdb *goredis.Client
}

var _ domain.NotificationRepository = (*NotificationRepository)(nil)

func NewNotificationRepository(rdb *goredis.Client) *NotificationRepository {
	return &NotificationRepository{rdb: rdb}
}

func (r *NotificationRepository) Append(ctx context.Context, userID string, n domain.Notification, limit int, ttl time.Duration) error {
	n.Read = false
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, inboxKey(userID), data)
	if limit > 0 {
		pipe.LTrim(ctx, inboxKey(userID), 0, int64(limit-1))
	}
	pipe.PExpire(ctx, inboxKey(userID), ttl)
	pipe.PExpire(ctx, readSetKey(userID), ttl)
	_, err = pipe.Exec(ctx)
	return wrap("append notification", err)
}

func (r *NotificationRepository) List(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	pipe := r.rdb.Pipeline()
	itemsCmd := pipe.LRange(ctx, inboxKey(userID), 0, stop)
	readCmd := pipe.SMembers(ctx, readSetKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("list notifications", err)
	}

	items := itemsCmd.Val()
	if len(items) == 0 {
		return nil, nil
	}
	read := make(map[string]struct{}, len(readCmd.Val()))
	for _, id := range readCmd.Val() {
		read[id] = struct{}{}
	}

	out := make([]domain.Notification, 0, len(items))
	for _, raw := range items {
		var n domain.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
		}
		_, n.Read = read[n.ID]
		out = append(out, n)
	}
	return out, nil
}

// MarkRead returns how many ids were not already marked.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	added, err := markReadScript.Run(ctx, r.rdb, []string{inboxKey(userID), readSetKey(userID)}, args...).Int()
	if err != nil {
		return 0, wrap("mark read", err)
	}
	return added, nil
}
