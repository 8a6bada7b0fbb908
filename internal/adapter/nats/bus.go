// Package nats implements the cross-instance broadcast bus on NATS core
// pub/sub.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/sony/gobreaker"
)

const (
	DefaultSubject = "tickerpulse.broadcast"

	busBufferSize = 1024
)

type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	// BreakerTimeout is how long publishing stays rejected once the breaker opens.
	BreakerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

// Bus replicates broadcasts over a single NATS subject. Publishing goes
// through a circuit breaker so a lost server fails fast.
type Bus struct {
	conn    *nats.Conn
	subject string
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.FanoutMetrics
}

var _ domain.Bus = (*Bus)(nil)

func NewBus(cfg Config, m *metrics.FanoutMetrics) (*Bus, error) {
	cfg = cfg.withDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("tickerpulse"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return &Bus{
		conn:    conn,
		subject: cfg.Subject,
		breaker: newBreaker(cfg.BreakerTimeout),
		metrics: m,
	}, nil
}

func newBreaker(timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		},
	})
}

// readyToTrip opens the breaker at a 60% failure rate over at least 5 publishes.
func readyToTrip(c gobreaker.Counts) bool {
	if c.Requests < 5 {
		return false
	}
	return float64(c.TotalFailures)/float64(c.Requests) >= 0.6
}

func (b *Bus) Publish(_ context.Context, msg domain.Broadcast) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.conn.Publish(b.subject, data)
	})
	if err != nil {
		b.count("out", "error")
		return publishError(err)
	}
	b.count("out", "ok")
	return nil
}

func publishError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrReconnectBufExceeded) {
		return fmt.Errorf("publish broadcast: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("publish broadcast: %w", err)
}

// Subscribe returns after the server has acknowledged the subscription.
func (b *Bus) Subscribe(_ context.Context) (<-chan domain.Broadcast, func(), error) {
	out := make(chan domain.Broadcast, busBufferSize)
	var (
		mu     sync.Mutex
		closed bool
	)

	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		var msg domain.Broadcast
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.count("in", "invalid")
			slog.Warn("Dropping malformed broadcast", "subject", m.Subject, "error", err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- msg:
			b.count("in", "ok")
		default:
			b.count("in", "dropped")
			slog.Warn("Bus subscriber buffer full, dropping broadcast", "room", msg.Room, "event", msg.Event)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("subscribe %s: %w: %w", b.subject, domain.ErrStoreUnavailable, err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			defer mu.Unlock()
			closed = true
			close(out)
		})
	}
	return out, cancel, nil
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	return b.conn.Drain()
}

func (b *Bus) count(direction, status string) {
	if b.metrics != nil {
		b.metrics.BusMessages.WithLabelValues(direction, status).Inc()
	}
}
