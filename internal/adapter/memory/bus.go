package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pscheid92/tickerpulse/internal/domain"
)

const busBufferSize = 1024

// Bus delivers broadcasts to subscribers in the same process.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan domain.Broadcast
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Broadcast)}
}

func (b *Bus) Publish(ctx context.Context, msg domain.Broadcast) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return domain.ErrConnectionClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			slog.WarnContext(ctx, "Bus subscriber buffer full, dropping broadcast", "room", msg.Room, "event", msg.Event)
		}
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context) (<-chan domain.Broadcast, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, domain.ErrConnectionClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan domain.Broadcast, busBufferSize)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
