package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedMessage(id string) domain.QueuedMessage {
	return domain.QueuedMessage{ID: id, Queue: "notifications", Payload: json.RawMessage(`{"n":1}`)}
}

func TestQueueStore_ClaimOnlyDue(t *testing.T) {
	store := NewQueueStore(setupTestClient(t), "notifications")
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	require.NoError(t, store.Add(ctx, queuedMessage("later"), now.Add(time.Minute)))
	require.NoError(t, store.Add(ctx, queuedMessage("second"), now.Add(-time.Second)))
	require.NoError(t, store.Add(ctx, queuedMessage("first"), now.Add(-time.Minute)))

	claimed, err := store.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "first", claimed[0].ID)
	assert.Equal(t, "second", claimed[1].ID)
	assert.Equal(t, domain.StatusProcessing, claimed[0].Status)
	assert.JSONEq(t, `{"n":1}`, string(claimed[0].Payload))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Pending: 1, Processing: 2}, stats)

	require.NoError(t, store.Complete(ctx, "first"))
	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Processing)
}

func TestQueueStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	now := time.Now()

	seed := NewQueueStore(client, "notifications")
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		require.NoError(t, seed.Add(ctx, queuedMessage(id), now))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store := NewQueueStore(client, "notifications")
			claimed, err := store.Claim(ctx, now, 3)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range claimed {
				seen[m.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 8)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s claimed more than once", id)
	}
}

func TestQueueStore_RetryAndRequeueStale(t *testing.T) {
	store := NewQueueStore(setupTestClient(t), "notifications")
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	require.NoError(t, store.Add(ctx, queuedMessage("m1"), now))
	require.NoError(t, store.Add(ctx, queuedMessage("m2"), now))
	claimed, err := store.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	retried := claimed[0]
	retried.Attempts = 1
	retried.LastError = "boom"
	require.NoError(t, store.Retry(ctx, retried, now.Add(2*time.Second)))

	n, err := store.RequeueStale(ctx, now.Add(time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = store.Claim(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, m := range claimed {
		if m.ID == retried.ID {
			assert.Equal(t, 1, m.Attempts)
			assert.Equal(t, "boom", m.LastError)
		}
	}
}

func TestQueueStore_DeadLetter(t *testing.T) {
	store := NewQueueStore(setupTestClient(t), "notifications")
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, store.Add(ctx, queuedMessage(id), now))
	}
	claimed, err := store.Claim(ctx, now, 10)
	require.NoError(t, err)
	for _, m := range claimed {
		m.Attempts = 3
		require.NoError(t, store.DeadLetter(ctx, domain.DeadLetter{Message: m, Reason: "boom", FailedAt: now}))
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Dead: 2}, stats)

	letters, err := store.DeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, claimed[1].ID, letters[0].Message.ID)
	assert.Equal(t, domain.StatusFailed, letters[0].Message.Status)
	assert.Equal(t, "boom", letters[0].Reason)
}

func TestQueueStore_ClaimDeadLettersUndecodableBody(t *testing.T) {
	client := setupTestClient(t)
	store := NewQueueStore(client, "notifications")
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	require.NoError(t, store.Add(ctx, queuedMessage("good-1"), now.Add(-2*time.Second)))
	require.NoError(t, store.Add(ctx, queuedMessage("bad"), now.Add(-time.Second)))
	require.NoError(t, store.Add(ctx, queuedMessage("good-2"), now))
	require.NoError(t, client.HSet(ctx, "queue:notifications:messages", "bad", "{not json").Err())

	claimed, err := store.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "good-1", claimed[0].ID)
	assert.Equal(t, "good-2", claimed[1].ID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Processing: 2, Dead: 1}, stats)

	letters, err := store.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "bad", letters[0].Message.ID)
	assert.Contains(t, letters[0].Reason, "undecodable message")
	assert.JSONEq(t, `"{not json"`, string(letters[0].Message.Payload))

	// Nothing is left to come back through stale requeue.
	n, err := store.RequeueStale(ctx, now.Add(time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	claimed, err = store.Claim(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}
