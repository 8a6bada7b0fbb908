package main

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/adapter/redis"
	"github.com/pscheid92/tickerpulse/internal/queue"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const notificationQueue = "notifications"

func addRedisFlag(cmd *cobra.Command, url *string) {
	cmd.Flags().StringVar(url, "redis-url", envOr("REDIS_URL", ""), "Redis URL of the deployment")
}

func connectRedis(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		return nil, errors.New("--redis-url or REDIS_URL is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return redis.NewClient(ctx, url)
}

// producerQueue opens the notification queue without a handler, so nothing
// is processed by this process.
func producerQueue(rdb *goredis.Client) *queue.Queue {
	return queue.New(
		redis.NewQueueStore(rdb, notificationQueue),
		nil,
		clockwork.NewRealClock(),
		metrics.NewQueueMetrics(metrics.NewRegistry()),
		queue.Config{Name: notificationQueue},
	)
}
