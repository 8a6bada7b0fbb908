package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pscheid92/tickerpulse/internal/domain"
)

type AlertRepository struct {
	mu     sync.Mutex
	alerts map[string]domain.Alert
}

func NewAlertRepository() *AlertRepository {
	return &AlertRepository{alerts: make(map[string]domain.Alert)}
}

func (r *AlertRepository) Save(_ context.Context, alert domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[alert.ID] = alert
	return nil
}

func (r *AlertRepository) ListBySymbol(_ context.Context, symbol string) ([]domain.Alert, error) {
	return r.filter(func(a domain.Alert) bool { return a.Symbol == symbol }), nil
}

func (r *AlertRepository) ListByUser(_ context.Context, userID string) ([]domain.Alert, error) {
	return r.filter(func(a domain.Alert) bool { return a.UserID == userID }), nil
}

func (r *AlertRepository) filter(keep func(domain.Alert) bool) []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Alert
	for _, a := range r.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *AlertRepository) Remove(_ context.Context, userID, alertID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.alerts[alertID]
	if !ok || a.UserID != userID {
		return false, nil
	}
	delete(r.alerts, alertID)
	return true, nil
}
