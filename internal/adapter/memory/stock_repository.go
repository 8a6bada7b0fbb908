package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pscheid92/tickerpulse/internal/domain"
)

type SubscriptionRepository struct {
	mu            sync.Mutex
	byTopic       map[string]map[string]domain.Subscription // topic -> sessionID -> subscription
	sessionTopics map[string]map[string]struct{}
}

func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{
		byTopic:       make(map[string]map[string]domain.Subscription),
		sessionTopics: make(map[string]map[string]struct{}),
	}
}

func (r *SubscriptionRepository) Add(_ context.Context, sub domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.byTopic[sub.Topic]
	if !ok {
		members = make(map[string]domain.Subscription)
		r.byTopic[sub.Topic] = members
	}
	members[sub.SessionID] = sub

	topics, ok := r.sessionTopics[sub.SessionID]
	if !ok {
		topics = make(map[string]struct{})
		r.sessionTopics[sub.SessionID] = topics
	}
	topics[sub.Topic] = struct{}{}
	return nil
}

func (r *SubscriptionRepository) Remove(_ context.Context, topic, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(topic, sessionID)
	return nil
}

func (r *SubscriptionRepository) removeLocked(topic, sessionID string) {
	if members, ok := r.byTopic[topic]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.byTopic, topic)
		}
	}
	if topics, ok := r.sessionTopics[sessionID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.sessionTopics, sessionID)
		}
	}
}

func (r *SubscriptionRepository) Members(_ context.Context, topic string) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Subscription, 0, len(r.byTopic[topic]))
	for _, sub := range r.byTopic[topic] {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (r *SubscriptionRepository) TopicsForSession(_ context.Context, sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sessionTopics[sessionID]))
	for topic := range r.sessionTopics[sessionID] {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out, nil
}

func (r *SubscriptionRepository) RemoveSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.sessionTopics[sessionID] {
		r.removeLocked(topic, sessionID)
	}
	return nil
}

type SnapshotRepository struct {
	mu        sync.RWMutex
	snapshots map[string]domain.Snapshot
	history   map[string][]domain.Snapshot // newest first
}

func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{
		snapshots: make(map[string]domain.Snapshot),
		history:   make(map[string][]domain.Snapshot),
	}
}

func (r *SnapshotRepository) Get(_ context.Context, symbol string) (*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.snapshots[symbol]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (r *SnapshotRepository) Save(_ context.Context, snapshot domain.Snapshot, historyLength int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots[snapshot.Symbol] = snapshot
	if historyLength <= 0 {
		return nil
	}
	h := append([]domain.Snapshot{snapshot}, r.history[snapshot.Symbol]...)
	if len(h) > historyLength {
		h = h[:historyLength]
	}
	r.history[snapshot.Symbol] = h
	return nil
}

func (r *SnapshotRepository) History(_ context.Context, symbol string, limit int) ([]domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.history[symbol]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	out := make([]domain.Snapshot, len(h))
	copy(out, h)
	return out, nil
}
