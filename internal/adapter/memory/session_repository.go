package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/domain"
)

type sessionEntry struct {
	session   domain.Session
	expiresAt time.Time
}

type SessionRepository struct {
	clock clockwork.Clock

	mu       sync.Mutex
	sessions map[string]map[string]sessionEntry // userID -> sessionID -> entry
}

func NewSessionRepository(clock clockwork.Clock) *SessionRepository {
	return &SessionRepository{
		clock:    clock,
		sessions: make(map[string]map[string]sessionEntry),
	}
}

func (r *SessionRepository) Save(_ context.Context, session domain.Session, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser, ok := r.sessions[session.UserID]
	if !ok {
		byUser = make(map[string]sessionEntry)
		r.sessions[session.UserID] = byUser
	}
	byUser[session.ID] = sessionEntry{session: session, expiresAt: r.clock.Now().Add(ttl)}
	return nil
}

func (r *SessionRepository) Get(_ context.Context, userID, sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[userID][sessionID]
	if !ok || !r.clock.Now().Before(entry.expiresAt) {
		return nil, domain.ErrSessionNotFound
	}
	s := entry.session
	return &s, nil
}

func (r *SessionRepository) Delete(_ context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser := r.sessions[userID]
	delete(byUser, sessionID)
	if len(byUser) == 0 {
		delete(r.sessions, userID)
	}
	return nil
}

func (r *SessionRepository) ListByUser(_ context.Context, userID string) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var out []domain.Session
	for id, entry := range r.sessions[userID] {
		if !now.Before(entry.expiresAt) {
			delete(r.sessions[userID], id)
			continue
		}
		out = append(out, entry.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}
