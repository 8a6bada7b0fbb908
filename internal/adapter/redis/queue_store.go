package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// QueueStore persists one named queue:
//
//	queue:<name>:ready          zset  id -> due time (ms)
//	queue:<name>:processing     zset  id -> claim time (ms)
//	queue:<name>:messages       hash  id -> message JSON
//	queue:<name>:dead           list  dead-lettered ids, newest first
//	queue:<name>:dead_messages  hash  id -> dead letter JSON
type QueueStore struct {
	rdb  *goredis.Client
	name string
}

var _ domain.QueueStore = (*QueueStore)(nil)

func NewQueueStore(rdb *goredis.Client, name string) *QueueStore {
	return &QueueStore{rdb: rdb, name: name}
}

func (s *QueueStore) key(part string) string {
	return fmt.Sprintf("queue:%s:%s", s.name, part)
}

func (s *QueueStore) Add(ctx context.Context, msg domain.QueuedMessage, dueAt time.Time) error {
	msg.Status = domain.StatusPending
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key("messages"), msg.ID, data)
	pipe.ZAdd(ctx, s.key("ready"), goredis.Z{Score: float64(dueAt.UnixMilli()), Member: msg.ID})
	_, err = pipe.Exec(ctx)
	return wrap("enqueue", err)
}

func (s *QueueStore) Claim(ctx context.Context, now time.Time, limit int) ([]domain.QueuedMessage, error) {
	pairs, err := claimScript.Run(ctx, s.rdb,
		[]string{s.key("ready"), s.key("processing"), s.key("messages")},
		now.UnixMilli(), limit,
	).StringSlice()
	if err != nil {
		return nil, wrap("claim", err)
	}

	out := make([]domain.QueuedMessage, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		id, raw := pairs[i], pairs[i+1]
		var msg domain.QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			s.deadLetterCorrupt(ctx, id, raw, err, now)
			continue
		}
		msg.Status = domain.StatusProcessing
		out = append(out, msg)
	}
	return out, nil
}

// deadLetterCorrupt moves a claimed message whose body cannot be decoded
// straight to the dead letters. The raw body is kept as a JSON string.
func (s *QueueStore) deadLetterCorrupt(ctx context.Context, id, raw string, cause error, now time.Time) {
	body, _ := json.Marshal(raw)
	letter := domain.DeadLetter{
		Message:  domain.QueuedMessage{ID: id, Queue: s.name, Payload: body},
		Reason:   "undecodable message: " + cause.Error(),
		FailedAt: now,
	}
	if err := s.DeadLetter(ctx, letter); err != nil {
		slog.WarnContext(ctx, "Failed to dead-letter undecodable message", "queue", s.name, "id", id, "error", err)
		return
	}
	slog.WarnContext(ctx, "Dead-lettered undecodable message", "queue", s.name, "id", id, "error", cause)
}

func (s *QueueStore) Complete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.key("processing"), id)
	pipe.ZRem(ctx, s.key("ready"), id)
	pipe.HDel(ctx, s.key("messages"), id)
	_, err := pipe.Exec(ctx)
	return wrap("complete", err)
}

func (s *QueueStore) Retry(ctx context.Context, msg domain.QueuedMessage, dueAt time.Time) error {
	msg.Status = domain.StatusPending
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.key("processing"), msg.ID)
	pipe.HSet(ctx, s.key("messages"), msg.ID, data)
	pipe.ZAdd(ctx, s.key("ready"), goredis.Z{Score: float64(dueAt.UnixMilli()), Member: msg.ID})
	_, err = pipe.Exec(ctx)
	return wrap("retry", err)
}

func (s *QueueStore) DeadLetter(ctx context.Context, letter domain.DeadLetter) error {
	letter.Message.Status = domain.StatusFailed
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	id := letter.Message.ID

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.key("processing"), id)
	pipe.ZRem(ctx, s.key("ready"), id)
	pipe.HDel(ctx, s.key("messages"), id)
	pipe.HSet(ctx, s.key("dead_messages"), id, data)
	pipe.LPush(ctx, s.key("dead"), id)
	_, err = pipe.Exec(ctx)
	return wrap("dead letter", err)
}

func (s *QueueStore) RequeueStale(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	n, err := requeueStaleScript.Run(ctx, s.rdb,
		[]string{s.key("processing"), s.key("ready"), s.key("messages")},
		claimedBefore.UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, wrap("requeue stale", err)
	}
	return n, nil
}

func (s *QueueStore) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := s.rdb.Pipeline()
	pending := pipe.ZCard(ctx, s.key("ready"))
	processing := pipe.ZCard(ctx, s.key("processing"))
	dead := pipe.LLen(ctx, s.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, wrap("queue stats", err)
	}
	return domain.QueueStats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

func (s *QueueStore) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.LRange(ctx, s.key("dead"), 0, stop).Result()
	if err != nil {
		return nil, wrap("list dead letters", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.rdb.HMGet(ctx, s.key("dead_messages"), ids...).Result()
	if err != nil {
		return nil, wrap("list dead letters", err)
	}

	out := make([]domain.DeadLetter, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var letter domain.DeadLetter
		if err := json.Unmarshal([]byte(raw), &letter); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, letter)
	}
	return out, nil
}
