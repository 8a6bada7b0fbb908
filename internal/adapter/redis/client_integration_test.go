package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL   string
	redisContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redisContainer, err = redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()

	if err := redisContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupTestClient(t *testing.T, hooks ...goredis.Hook) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL, hooks...)
	require.NoError(t, err, "failed to create redis client")
	require.NoError(t, client.FlushAll(ctx).Err(), "failed to flush redis")

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestNewClient_Connects(t *testing.T) {
	client := setupTestClient(t)
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "://nope")
	assert.Error(t, err)
}

func TestMetricsHook_RecordsCommands(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	client := setupTestClient(t, NewMetricsHook(m))
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	_, err := client.Get(ctx, "missing").Result()
	require.ErrorIs(t, err, goredis.Nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("set", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("get", "success")))
}

func TestCircuitBreakerHook_ProtocolErrorsDoNotTrip(t *testing.T) {
	hook := NewCircuitBreakerHook(nil, 0)
	client := setupTestClient(t, hook)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "str", "v", 0).Err())
	for i := 0; i < 10; i++ {
		err := client.LPush(ctx, "str", "x").Err()
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
	require.NoError(t, client.Ping(ctx).Err())
}
