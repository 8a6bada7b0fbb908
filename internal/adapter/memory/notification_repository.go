package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
)

type inbox struct {
	items     []domain.Notification // newest first
	read      map[string]struct{}
	expiresAt time.Time
}

type NotificationRepository struct {
	clock clockwork.Clock

	mu      sync.Mutex
	inboxes map[string]*inbox
}

func NewNotificationRepository(clock clockwork.Clock) *NotificationRepository {
	return &NotificationRepository{clock: clock, inboxes: make(map[string]*inbox)}
}

func (r *NotificationRepository) inboxLocked(userID string) *inbox {
	box, ok := r.inboxes[userID]
	if ok && !r.clock.Now().Before(box.expiresAt) {
		delete(r.inboxes, userID)
		ok = false
	}
	if !ok {
		return nil
	}
	return box
}

func (r *NotificationRepository) Append(_ context.Context, userID string, n domain.Notification, limit int, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.inboxLocked(userID)
	if box == nil {
		box = &inbox{read: make(map[string]struct{})}
		r.inboxes[userID] = box
	}
	box.items = append([]domain.Notification{n}, box.items...)
	if limit > 0 && len(box.items) > limit {
		for _, dropped := range box.items[limit:] {
			delete(box.read, dropped.ID)
		}
		box.items = box.items[:limit]
	}
	box.expiresAt = r.clock.Now().Add(ttl)
	return nil
}

func (r *NotificationRepository) List(_ context.Context, userID string, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.inboxLocked(userID)
	if box == nil {
		return nil, nil
	}
	items := box.items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]domain.Notification, len(items))
	for i, n := range items {
		_, n.Read = box.read[n.ID]
		out[i] = n
	}
	return out, nil
}

func (r *NotificationRepository) MarkRead(_ context.Context, userID string, ids ...string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.inboxLocked(userID)
	if box == nil {
		return 0, nil
	}
	added := 0
	for _, id := range ids {
		if _, ok := box.read[id]; ok {
			continue
		}
		box.read[id] = struct{}{}
		added++
	}
	return added, nil
}
