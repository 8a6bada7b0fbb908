package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pscheid92/tickerpulse/internal/domain"
)

// QueueStore keeps a single named queue in process. It mirrors the Redis
// layout: a ready set scored by due time, a processing set scored by claim
// time, and a dead-letter list.
type QueueStore struct {
	mu         sync.Mutex
	messages   map[string]domain.QueuedMessage
	ready      map[string]time.Time
	processing map[string]time.Time
	dead       []domain.DeadLetter // newest first
}

func NewQueueStore() *QueueStore {
	return &QueueStore{
		messages:   make(map[string]domain.QueuedMessage),
		ready:      make(map[string]time.Time),
		processing: make(map[string]time.Time),
	}
}

func (s *QueueStore) Add(_ context.Context, msg domain.QueuedMessage, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.Status = domain.StatusPending
	s.messages[msg.ID] = msg
	s.ready[msg.ID] = dueAt
	return nil
}

func (s *QueueStore) Claim(_ context.Context, now time.Time, limit int) ([]domain.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type due struct {
		id string
		at time.Time
	}
	var candidates []due
	for id, at := range s.ready {
		if !at.After(now) {
			candidates = append(candidates, due{id: id, at: at})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].at.Before(candidates[j].at)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]domain.QueuedMessage, 0, len(candidates))
	for _, c := range candidates {
		delete(s.ready, c.id)
		msg, ok := s.messages[c.id]
		if !ok {
			continue
		}
		msg.Status = domain.StatusProcessing
		s.messages[c.id] = msg
		s.processing[c.id] = now
		out = append(out, msg)
	}
	return out, nil
}

func (s *QueueStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.processing, id)
	delete(s.ready, id)
	delete(s.messages, id)
	return nil
}

func (s *QueueStore) Retry(_ context.Context, msg domain.QueuedMessage, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.processing, msg.ID)
	msg.Status = domain.StatusPending
	s.messages[msg.ID] = msg
	s.ready[msg.ID] = dueAt
	return nil
}

func (s *QueueStore) DeadLetter(_ context.Context, letter domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := letter.Message.ID
	delete(s.processing, id)
	delete(s.ready, id)
	delete(s.messages, id)
	letter.Message.Status = domain.StatusFailed
	s.dead = append([]domain.DeadLetter{letter}, s.dead...)
	return nil
}

func (s *QueueStore) RequeueStale(_ context.Context, claimedBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, claimedAt := range s.processing {
		if !claimedAt.Before(claimedBefore) {
			continue
		}
		delete(s.processing, id)
		if msg, ok := s.messages[id]; ok {
			msg.Status = domain.StatusPending
			s.messages[id] = msg
			s.ready[id] = now
			n++
		}
	}
	return n, nil
}

func (s *QueueStore) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.QueueStats{
		Pending:    int64(len(s.ready)),
		Processing: int64(len(s.processing)),
		Dead:       int64(len(s.dead)),
	}, nil
}

func (s *QueueStore) DeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead := s.dead
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]domain.DeadLetter, len(dead))
	copy(out, dead)
	return out, nil
}
