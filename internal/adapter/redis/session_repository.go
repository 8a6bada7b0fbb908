package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// userIndexTTL outlives any single session so the index never expires
// before the sessions it points to.
const userIndexTTL = 48 * time.Hour

func sessionKey(userID, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", userID, sessionID)
}

func userSessionsKey(userID string) string {
	return fmt.Sprintf("user:%s:sessions", userID)
}

type SessionRepository struct {
	rdb *goredis.Client
}

var _ domain.SessionRepository = (*SessionRepository)(nil)

func NewSessionRepository(rdb *goredis.Client) *SessionRepository {
	return &SessionRepository{rdb: rdb}
}

func (r *SessionRepository) Save(ctx context.Context, session domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	indexTTL := userIndexTTL
	if ttl > indexTTL {
		indexTTL = ttl
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(session.UserID, session.ID), data, ttl)
	pipe.SAdd(ctx, userSessionsKey(session.UserID), session.ID)
	pipe.Expire(ctx, userSessionsKey(session.UserID), indexTTL)
	_, err = pipe.Exec(ctx)
	return wrap("save session", err)
}

func (r *SessionRepository) Get(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	data, err := r.rdb.Get(ctx, sessionKey(userID, sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, wrap("get session", err)
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepository) Delete(ctx context.Context, userID, sessionID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(userID, sessionID))
	pipe.SRem(ctx, userSessionsKey(userID), sessionID)
	_, err := pipe.Exec(ctx)
	return wrap("delete session", err)
}

// ListByUser returns the user's live sessions ordered by JoinedAt. Index
// entries whose session key has expired are pruned on the way.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	ids, err := r.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(userID, id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("list sessions", err)
	}

	var (
		out   []domain.Session
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s domain.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, s)
	}

	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, userSessionsKey(userID), stale...).Err(); err != nil {
			return nil, wrap("prune sessions", err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}
