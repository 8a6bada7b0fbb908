package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const symbolAlertsPrefix = "alerts:symbol:"

func alertKey(id string) string {
	return fmt.Sprintf("alert:%s", id)
}

func symbolAlertsKey(symbol string) string {
	return symbolAlertsPrefix + symbol
}

func userAlertsKey(userID string) string {
	return fmt.Sprintf("alerts:user:%s", userID)
}

type AlertRepository struct {
	rdb *goredis.Client
}

var _ domain.AlertRepository = (*AlertRepository)(nil)

func NewAlertRepository(rdb *goredis.Client) *AlertRepository {
	return &AlertRepository{rdb: rdb}
}

func (r *AlertRepository) Save(ctx context.Context, alert domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, alertKey(alert.ID), data, 0)
	pipe.SAdd(ctx, symbolAlertsKey(alert.Symbol), alert.ID)
	pipe.SAdd(ctx, userAlertsKey(alert.UserID), alert.ID)
	_, err = pipe.Exec(ctx)
	return wrap("save alert", err)
}

func (r *AlertRepository) ListBySymbol(ctx context.Context, symbol string) ([]domain.Alert, error) {
	return r.list(ctx, symbolAlertsKey(symbol))
}

func (r *AlertRepository) ListByUser(ctx context.Context, userID string) ([]domain.Alert, error) {
	return r.list(ctx, userAlertsKey(userID))
}

func (r *AlertRepository) list(ctx context.Context, indexKey string) ([]domain.Alert, error) {
	ids, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, wrap("list alerts", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = alertKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("list alerts", err)
	}

	var out []domain.Alert
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a domain.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *AlertRepository) Remove(ctx context.Context, userID, alertID string) (bool, error) {
	n, err := removeAlertScript.Run(ctx, r.rdb,
		[]string{alertKey(alertID), userAlertsKey(userID)},
		userID, symbolAlertsPrefix,
	).Int()
	if err != nil {
		return false, wrap("remove alert", err)
	}
	return n == 1, nil
}
