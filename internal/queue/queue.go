// Package queue implements the reliable delivery queue: at-least-once
// processing of stored messages with retry backoff and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/pscheid92/tickerpulse/internal/platform/correlation"
	"github.com/pscheid92/tickerpulse/internal/platform/retry"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. A returned error schedules a retry.
type Handler func(ctx context.Context, msg domain.QueuedMessage) error

type Config struct {
	Name         string
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration
	MessageTTL   time.Duration
	StaleAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Minute
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

type Queue struct {
	store   domain.QueueStore
	handler Handler
	clock   clockwork.Clock
	metrics *metrics.QueueMetrics
	cfg     Config

	wake chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(store domain.QueueStore, handler Handler, clock clockwork.Clock, m *metrics.QueueMetrics, cfg Config) *Queue {
	return &Queue{
		store:   store,
		handler: handler,
		clock:   clock,
		metrics: m,
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
	}
}

func (q *Queue) Name() string { return q.cfg.Name }

// Enqueue stores payload for processing after delay and starts the loop if
// it is idle. A queue built without a handler only produces.
func (q *Queue) Enqueue(ctx context.Context, payload any, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Validation("queue payload is not serialisable", err)
	}

	now := q.clock.Now()
	msg := domain.QueuedMessage{
		ID:         uuid.NewString(),
		Queue:      q.cfg.Name,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(q.cfg.MessageTTL),
		Payload:    raw,
		Status:     domain.StatusPending,
	}
	if delay < 0 {
		delay = 0
	}
	if err := q.store.Add(ctx, msg, now.Add(delay)); err != nil {
		if domain.IsStoreUnavailable(err) {
			return "", apperrors.StoreUnavailable(err)
		}
		return "", apperrors.Internal("failed to enqueue message", err)
	}

	slog.DebugContext(ctx, "Message enqueued", "queue", q.cfg.Name, "message_id", msg.ID, "delay", delay)
	if q.handler != nil {
		q.Start(context.WithoutCancel(ctx))
		q.signal()
	}
	return msg.ID, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the processing loop. It is a no-op when the loop is already
// running or the queue was stopped.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.stopped || q.handler == nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	q.running = true
	go q.run(ctx, q.done)
}

// Stop halts the loop and waits for the in-flight batch to finish. It is safe
// to call more than once.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	cancel, done := q.cancel, q.done
	q.cancel = nil
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.InfoContext(ctx, "Queue processing started", "queue", q.cfg.Name)
	defer slog.InfoContext(ctx, "Queue processing stopped", "queue", q.cfg.Name)

	stale := q.clock.NewTicker(q.cfg.StaleAfter)
	defer stale.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stale.Chan():
			q.requeueStale(ctx)
		default:
		}

		claimed, err := q.cycle(ctx)

		var wait time.Duration
		var wake <-chan struct{}
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			wait = retry.Backoff(q.cfg.RetryBase, q.cfg.RetryCap, failures)
			failures++
			q.metrics.StoreErrors.Inc()
			slog.WarnContext(ctx, "Queue cycle failed, backing off", "queue", q.cfg.Name, "error", err, "backoff", wait, "failures", failures)
		case claimed == 0:
			failures = 0
			wait = q.cfg.PollInterval
			wake = q.wake
		default:
			failures = 0
			continue
		}

		timer := q.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-stale.Chan():
			timer.Stop()
			q.requeueStale(ctx)
		case <-timer.Chan():
		}
	}
}

// cycle claims one batch and processes it. It returns the number of claimed
// messages and the first store error.
func (q *Queue) cycle(ctx context.Context) (int, error) {
	now := q.clock.Now()
	msgs, err := q.store.Claim(ctx, now, q.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(q.cfg.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			return q.process(ctx, msg)
		})
	}
	return len(msgs), g.Wait()
}

// process runs the handler for one message. Only store errors are returned;
// handler failures are recorded on the message.
func (q *Queue) process(ctx context.Context, msg domain.QueuedMessage) error {
	ctx = correlation.WithID(ctx, correlation.NewID())
	now := q.clock.Now()

	if msg.Expired(now) {
		slog.InfoContext(ctx, "Dropping expired message", "queue", q.cfg.Name, "message_id", msg.ID, "expired_at", msg.ExpiresAt)
		q.metrics.Processed.WithLabelValues("expired").Inc()
		return q.store.Complete(ctx, msg.ID)
	}

	start := q.clock.Now()
	herr := q.invoke(ctx, msg)
	q.metrics.ProcessingDuration.Observe(q.clock.Since(start).Seconds())

	if herr == nil {
		msg.Status = domain.StatusCompleted
		q.metrics.Processed.WithLabelValues("completed").Inc()
		return q.store.Complete(ctx, msg.ID)
	}

	msg.Attempts++
	msg.LastError = herr.Error()

	if msg.Attempts < q.cfg.MaxAttempts {
		delay := retry.Backoff(q.cfg.RetryBase, q.cfg.RetryCap, msg.Attempts)
		msg.Status = domain.StatusPending
		slog.WarnContext(ctx, "Message failed, scheduling retry", "queue", q.cfg.Name, "message_id", msg.ID, "attempt", msg.Attempts, "delay", delay, "error", herr)
		q.metrics.Processed.WithLabelValues("retried").Inc()
		return q.store.Retry(ctx, msg, now.Add(delay))
	}

	msg.Status = domain.StatusFailed
	slog.ErrorContext(ctx, "Message dead-lettered", "queue", q.cfg.Name, "message_id", msg.ID, "attempts", msg.Attempts, "error", herr)
	q.metrics.Processed.WithLabelValues("dead_lettered").Inc()
	return q.store.DeadLetter(ctx, domain.DeadLetter{
		Message:  msg,
		Reason:   herr.Error(),
		FailedAt: now,
	})
}

func (q *Queue) invoke(ctx context.Context, msg domain.QueuedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.ProcessingFailed(msg.ID, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return q.handler(ctx, msg)
}

func (q *Queue) requeueStale(ctx context.Context) {
	now := q.clock.Now()
	n, err := q.store.RequeueStale(ctx, now.Add(-q.cfg.StaleAfter), now)
	if err != nil {
		q.metrics.StoreErrors.Inc()
		slog.WarnContext(ctx, "Stale requeue failed", "queue", q.cfg.Name, "error", err)
		return
	}
	if n > 0 {
		q.metrics.Requeued.Add(float64(n))
		slog.WarnContext(ctx, "Requeued stale messages", "queue", q.cfg.Name, "count", n)
	}
}

// RequeueStale returns messages claimed longer than olderThan ago to ready.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.clock.Now()
	n, err := q.store.RequeueStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.metrics.Requeued.Add(float64(n))
		q.signal()
	}
	return n, nil
}

// Stats reports queue depth by state and refreshes the depth gauges.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	q.metrics.Depth.WithLabelValues("pending").Set(float64(stats.Pending))
	q.metrics.Depth.WithLabelValues("processing").Set(float64(stats.Processing))
	q.metrics.Depth.WithLabelValues("dead").Set(float64(stats.Dead))
	return stats, nil
}

// DeadLetters lists up to limit dead-lettered messages, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	return q.store.DeadLetters(ctx, limit)
}

// Decode unmarshals the payload of msg into v. Malformed payloads are
// permanent failures.
func Decode(msg domain.QueuedMessage, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return apperrors.ProcessingFailed(msg.ID, errors.Join(domain.ErrInvalidArgument, err))
	}
	return nil
}
