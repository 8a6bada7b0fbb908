package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/tickerpulse/internal/adapter/memory"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails Claim a fixed number of times before delegating.
type flakyStore struct {
	domain.QueueStore
	mu         sync.Mutex
	failClaims int
}

func (s *flakyStore) Claim(ctx context.Context, now time.Time, limit int) ([]domain.QueuedMessage, error) {
	s.mu.Lock()
	if s.failClaims > 0 {
		s.failClaims--
		s.mu.Unlock()
		return nil, errors.Join(errors.New("dial tcp: connection refused"), domain.ErrStoreUnavailable)
	}
	s.mu.Unlock()
	return s.QueueStore.Claim(ctx, now, limit)
}

type recorder struct {
	mu    sync.Mutex
	calls []domain.QueuedMessage
}

func (r *recorder) record(msg domain.QueuedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() domain.QueuedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

var testConfig = Config{
	Name:         "notifications",
	PollInterval: 500 * time.Millisecond,
	BatchSize:    10,
	Concurrency:  2,
	MaxAttempts:  3,
	RetryBase:    time.Second,
	RetryCap:     10 * time.Second,
	MessageTTL:   time.Hour,
	StaleAfter:   time.Hour,
}

func newQueue(t *testing.T, store domain.QueueStore, clock clockwork.Clock, cfg Config, h Handler) (*Queue, *metrics.QueueMetrics) {
	t.Helper()
	m := metrics.NewQueueMetrics(prometheus.NewRegistry())
	q := New(store, h, clock, m, cfg)
	t.Cleanup(q.Stop)
	return q, m
}

func advanceWhenIdle(t *testing.T, clock *clockwork.FakeClock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 2)) // stale ticker + poll/backoff timer
	clock.Advance(d)
}

func TestQueue_EnqueueProcessesAndCompletes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewQueueStore()
	rec := &recorder{}
	q, m := newQueue(t, store, clock, testConfig, func(_ context.Context, msg domain.QueuedMessage) error {
		rec.record(msg)
		return nil
	})

	id, err := q.Enqueue(context.Background(), map[string]string{"userId": "alice"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	msg := rec.last()
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "notifications", msg.Queue)
	assert.JSONEq(t, `{"userId":"alice"}`, string(msg.Payload))
	assert.Equal(t, clock.Now().Add(time.Hour), msg.ExpiresAt)

	require.Eventually(t, func() bool {
		stats, _ := store.Stats(context.Background())
		return stats == domain.QueueStats{}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Processed.WithLabelValues("completed")))
}

func TestQueue_DelayedMessageWaitsUntilDue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	q, _ := newQueue(t, memory.NewQueueStore(), clock, testConfig, func(_ context.Context, msg domain.QueuedMessage) error {
		rec.record(msg)
		return nil
	})

	_, err := q.Enqueue(context.Background(), "later", 3*time.Second)
	require.NoError(t, err)

	advanceWhenIdle(t, clock, time.Second)
	advanceWhenIdle(t, clock, time.Second)
	assert.Equal(t, 0, rec.count())

	advanceWhenIdle(t, clock, time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueue_FailuresEndInOneDeadLetter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewQueueStore()
	rec := &recorder{}
	q, m := newQueue(t, store, clock, testConfig, func(_ context.Context, msg domain.QueuedMessage) error {
		rec.record(msg)
		return errors.New("no active session")
	})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "payload", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	// Retry delays are base*2^attempts: 2s, then 4s.
	advanceWhenIdle(t, clock, 2*time.Second)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.last().Attempts)

	advanceWhenIdle(t, clock, 4*time.Second)
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Dead == 1
	}, time.Second, 5*time.Millisecond)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Dead: 1}, stats)

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].Message.ID)
	assert.Equal(t, 3, letters[0].Message.Attempts)
	assert.Equal(t, domain.StatusFailed, letters[0].Message.Status)
	assert.Equal(t, "no active session", letters[0].Reason)
	assert.Equal(t, "no active session", letters[0].Message.LastError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Processed.WithLabelValues("retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Processed.WithLabelValues("dead_lettered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Depth.WithLabelValues("dead")))

	// Nothing is left to process.
	advanceWhenIdle(t, clock, time.Minute)
	assert.Equal(t, 3, rec.count())
}

func TestQueue_ExpiredMessageSkipsHandler(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewQueueStore()
	cfg := testConfig
	cfg.MessageTTL = time.Second
	rec := &recorder{}
	q, m := newQueue(t, store, clock, cfg, func(_ context.Context, msg domain.QueuedMessage) error {
		rec.record(msg)
		return nil
	})

	_, err := q.Enqueue(context.Background(), "stale", 2*time.Second)
	require.NoError(t, err)
	advanceWhenIdle(t, clock, 2*time.Second)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Processed.WithLabelValues("expired")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.count())
	stats, _ := store.Stats(context.Background())
	assert.Equal(t, domain.QueueStats{}, stats)
}

func TestQueue_PanicCountsAsFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig
	cfg.MaxAttempts = 1
	q, _ := newQueue(t, memory.NewQueueStore(), clock, cfg, func(context.Context, domain.QueuedMessage) error {
		panic("boom")
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "x", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		letters, _ := q.DeadLetters(ctx, 1)
		return len(letters) == 1
	}, time.Second, 5*time.Millisecond)
	letters, _ := q.DeadLetters(ctx, 1)
	assert.Contains(t, letters[0].Reason, "handler panic: boom")
}

func TestQueue_StoreErrorsBackOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &flakyStore{QueueStore: memory.NewQueueStore()}
	rec := &recorder{}
	q, m := newQueue(t, store, clock, testConfig, func(_ context.Context, msg domain.QueuedMessage) error {
		rec.record(msg)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, domain.QueuedMessage{ID: "m1", ExpiresAt: clock.Now().Add(time.Hour)}, clock.Now()))
	store.mu.Lock()
	store.failClaims = 2
	store.mu.Unlock()

	q.Start(ctx)

	advanceWhenIdle(t, clock, time.Second)
	advanceWhenIdle(t, clock, 2*time.Second)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreErrors))
}

func TestQueue_ConcurrencyLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	var done atomic.Int32

	store := memory.NewQueueStore()
	q, _ := newQueue(t, store, clock, testConfig, func(context.Context, domain.QueuedMessage) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, store.Add(ctx, domain.QueuedMessage{ID: id}, clock.Now()))
	}
	q.Start(ctx)

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return done.Load() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestQueue_RequeueStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewQueueStore()
	q, m := newQueue(t, store, clock, testConfig, func(context.Context, domain.QueuedMessage) error { return nil })
	ctx := context.Background()

	// Simulate an instance that claimed a message and crashed.
	require.NoError(t, store.Add(ctx, domain.QueuedMessage{ID: "m1"}, clock.Now()))
	claimed, err := store.Claim(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := q.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(10 * time.Minute)
	n, err = q.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requeued))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Pending: 1}, stats)
}

func TestQueue_StopIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewQueueStore()
	rec := &recorder{}
	q, _ := newQueue(t, store, clock, testConfig, func(_ context.Context, msg domain.QueuedMessage) error {
		rec.record(msg)
		return nil
	})
	ctx := context.Background()

	q.Start(ctx)
	q.Start(ctx)
	q.Stop()
	q.Stop()

	_, err := q.Enqueue(ctx, "after stop", 0)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	stats, _ := store.Stats(ctx)
	assert.Equal(t, int64(1), stats.Pending, "message stays stored for another instance")
}

func TestQueue_ProducerOnlyLeavesMessagesPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewQueueStore()
	q, _ := newQueue(t, store, clock, testConfig, nil)
	ctx := context.Background()

	q.Start(ctx)
	id, err := q.Enqueue(ctx, map[string]string{"hello": "world"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	time.Sleep(50 * time.Millisecond)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
}

func TestDecode(t *testing.T) {
	var v struct{ UserID string }
	require.NoError(t, Decode(domain.QueuedMessage{Payload: []byte(`{"UserID":"a"}`)}, &v))
	assert.Equal(t, "a", v.UserID)

	err := Decode(domain.QueuedMessage{ID: "m", Payload: []byte(`{`)}, &v)
	assert.ErrorIs(t, err, domain.ErrProcessingFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
