package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultBusChannel carries every cross-instance broadcast.
	DefaultBusChannel = "tickerpulse:broadcast"

	busBufferSize = 1024
)

// Bus replicates broadcasts over Redis pub/sub. Every instance, the
// publisher included, receives each message once per subscription.
type Bus struct {
	rdb     *goredis.Client
	channel string
	metrics *metrics.FanoutMetrics
}

var _ domain.Bus = (*Bus)(nil)

func NewBus(rdb *goredis.Client, channel string, m *metrics.FanoutMetrics) *Bus {
	if channel == "" {
		channel = DefaultBusChannel
	}
	return &Bus{rdb: rdb, channel: channel, metrics: m}
}

func (b *Bus) Publish(ctx context.Context, msg domain.Broadcast) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.count("out", "error")
		return wrap("publish broadcast", err)
	}
	b.count("out", "ok")
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published after it returns is missed. The returned cancel closes the
// channel.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Broadcast, func(), error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, wrap("subscribe", err)
	}

	out := make(chan domain.Broadcast, busBufferSize)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for m := range sub.Channel() {
			var msg domain.Broadcast
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.count("in", "invalid")
				slog.Warn("Dropping malformed broadcast", "channel", m.Channel, "error", err)
				continue
			}
			select {
			case out <- msg:
				b.count("in", "ok")
			case <-done:
				return
			default:
				b.count("in", "dropped")
				slog.Warn("Bus subscriber buffer full, dropping broadcast", "room", msg.Room, "event", msg.Event)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

func (b *Bus) count(direction, status string) {
	if b.metrics != nil {
		b.metrics.BusMessages.WithLabelValues(direction, status).Inc()
	}
}
