package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/adapter/httpserver"
	"github.com/pscheid92/tickerpulse/internal/adapter/memory"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/adapter/nats"
	"github.com/pscheid92/tickerpulse/internal/adapter/redis"
	"github.com/pscheid92/tickerpulse/internal/alert"
	"github.com/pscheid92/tickerpulse/internal/app"
	"github.com/pscheid92/tickerpulse/internal/auth"
	"github.com/pscheid92/tickerpulse/internal/broadcast"
	"github.com/pscheid92/tickerpulse/internal/domain"
	"github.com/pscheid92/tickerpulse/internal/notification"
	"github.com/pscheid92/tickerpulse/internal/platform/config"
	"github.com/pscheid92/tickerpulse/internal/platform/logging"
	"github.com/pscheid92/tickerpulse/internal/platform/retry"
	"github.com/pscheid92/tickerpulse/internal/platform/version"
	"github.com/pscheid92/tickerpulse/internal/queue"
	"github.com/pscheid92/tickerpulse/internal/session"
	"github.com/pscheid92/tickerpulse/internal/socket"
	"github.com/pscheid92/tickerpulse/internal/stock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"
)

const (
	leaderKey      = "tickerpulse:leader"
	leaderTTL      = 15 * time.Second
	leaderInterval = 5 * time.Second

	notificationQueue = "notifications"

	// Headroom for the event envelope around a MAX_PAYLOAD_BYTES body.
	frameOverhead = 4096
)

// stores bundles the repositories of one backend.
type stores struct {
	sessions      domain.SessionRepository
	subscriptions domain.SubscriptionRepository
	snapshots     domain.SnapshotRepository
	notifications domain.NotificationRepository
	alerts        domain.AlertRepository
	queue         domain.QueueStore
	leader        domain.LeaderLock

	rdb  *goredis.Client
	ping func(ctx context.Context) error
}

func (s *stores) close() {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
}

type busCloser func()

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupStores(cfg *config.Config, clock clockwork.Clock, redisMetrics *metrics.RedisMetrics) *stores {
	if cfg.SingleInstance() {
		slog.Info("No REDIS_URL configured, running single-instance with in-memory stores")
		return &stores{
			sessions:      memory.NewSessionRepository(clock),
			subscriptions: memory.NewSubscriptionRepository(),
			snapshots:     memory.NewSnapshotRepository(),
			notifications: memory.NewNotificationRepository(clock),
			alerts:        memory.NewAlertRepository(),
			queue:         memory.NewQueueStore(),
			leader:        memory.LeaderLock{},
			ping:          func(context.Context) error { return nil },
		}
	}

	rdb := setupRedis(context.Background(), cfg, redisMetrics)
	return &stores{
		sessions:      redis.NewSessionRepository(rdb),
		subscriptions: redis.NewSubscriptionRepository(rdb),
		snapshots:     redis.NewSnapshotRepository(rdb),
		notifications: redis.NewNotificationRepository(rdb),
		alerts:        redis.NewAlertRepository(rdb),
		queue:         redis.NewQueueStore(rdb, notificationQueue),
		leader:        redis.NewLeaderLock(rdb, leaderKey, cfg.InstanceID, leaderTTL),
		rdb:           rdb,
		ping:          func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(m),
		redis.NewCircuitBreakerHook(m, redis.DefaultBreakerDelay),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupBus(cfg *config.Config, st *stores, fanout *metrics.FanoutMetrics) (domain.Bus, busCloser) {
	switch cfg.BusDriver {
	case "redis":
		return redis.NewBus(st.rdb, redis.DefaultBusChannel, fanout), func() {}
	case "nats":
		bus, err := nats.NewBus(nats.Config{URL: cfg.NATSURL}, fanout)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		return bus, func() { _ = bus.Close() }
	default:
		bus := memory.NewBus()
		return bus, bus.Close
	}
}

func runGracefulShutdown(srv *httpserver.Server, gateway *app.Gateway, stopBackground func()) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			slog.Error("Gateway shutdown error", "error", err)
		}

		stopBackground()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		slog.Debug("automaxprocs", "message", format, "args", args)
	})); err != nil {
		slog.Warn("Failed to set GOMAXPROCS", "error", err)
	}
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"instance", cfg.InstanceID,
		"bus", cfg.BusDriver,
		"version", version.Get().String())

	registry := metrics.NewRegistry()
	m := metrics.NewSet(registry)

	st := setupStores(cfg, clock, m.Redis)
	defer st.close()

	bus, closeBus := setupBus(cfg, st, m.Fanout)

	var gateway *app.Gateway
	hub := broadcast.NewHub(clock, m.Fanout, m.WebSocket, func(member broadcast.Member, reason error) {
		gateway.CloseMember(member, reason)
	})

	sessions := session.NewManager(
		auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, clock),
		st.sessions, bus, clock,
		session.Config{
			TTL:           cfg.SessionTTL,
			TouchInterval: cfg.SessionTouchInterval,
			Retry:         retry.Policy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Clock: clock},
		},
	)

	stocks := stock.NewManager(hub, st.subscriptions, st.snapshots, sessions, bus, clock, m.Fanout, stock.Config{
		Symbols:            cfg.Symbols(),
		HistoryLength:      cfg.HistoryLength,
		BroadcastFlatTicks: cfg.BroadcastFlatTicks,
	})

	notifications := notification.NewManager(st.notifications, nil, sessions, bus, clock, notification.Config{
		Limit: cfg.NotificationLimit,
		TTL:   cfg.NotificationTTL,
	})
	deliveries := queue.New(st.queue, notifications.Deliver, clock, m.Queue, queue.Config{
		Name:         notificationQueue,
		PollInterval: cfg.QueuePollInterval,
		BatchSize:    cfg.QueueBatchSize,
		Concurrency:  cfg.QueueConcurrency,
		MaxAttempts:  cfg.QueueMaxAttempts,
		RetryBase:    cfg.QueueRetryBase,
		RetryCap:     cfg.QueueRetryCap,
		MessageTTL:   cfg.QueueMessageTTL,
		StaleAfter:   cfg.QueueStaleAfter,
	})
	notifications.SetQueue(deliveries)

	alerts := alert.NewManager(st.alerts, stocks, notifications, clock)
	stocks.Observe(alerts.Evaluate)

	gateway = app.NewGateway(sessions, stocks, notifications, alerts, hub, clock, m.WebSocket, app.GatewayConfig{
		AuthTimeout: cfg.AuthTimeout,
		KeepAlive:   cfg.SessionTouchInterval,
		Socket: socket.Options{
			PingInterval:    cfg.PingInterval,
			PongTimeout:     cfg.PongTimeout,
			AckTimeout:      cfg.AckTimeout,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			MaxBuffered:     cfg.SendBuffer,
			Compression:     cfg.CompressionEnabled,
		},
	})

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	var bg sync.WaitGroup

	relay := app.NewRelay(bus, hub, clock)
	bg.Add(1)
	go func() {
		defer bg.Done()
		relay.Run(bgCtx)
	}()

	deliveries.Start(bgCtx)

	reconciler := app.NewSubscriptionReconciler(stocks.Symbols, st.subscriptions, st.sessions, clock, 0)
	leader := app.NewLeaderRunner(st.leader, clock, leaderInterval, cfg.InstanceID)
	bg.Add(1)
	go func() {
		defer bg.Done()
		leader.Run(bgCtx, func(ctx context.Context) {
			var work sync.WaitGroup
			if cfg.FeedEnabled {
				feed := app.NewFeed(stocks, clock, app.FeedConfig{Symbols: stocks.Symbols(), Interval: cfg.FeedInterval})
				work.Add(1)
				go func() {
					defer work.Done()
					feed.Run(ctx)
				}()
			}
			work.Add(1)
			go func() {
				defer work.Done()
				reconciler.Start(ctx)
			}()
			work.Wait()
		})
	}()

	collector := metrics.NewCollector(clock, cfg.MetricsInterval, m.System, m.WebSocket, m.Queue, metrics.Sources{
		Connections: gateway.ConnectionCount,
		Queue:       deliveries,
		StorePing:   st.ping,
	})
	bg.Add(1)
	go func() {
		defer bg.Done()
		collector.Run(bgCtx)
	}()

	srv := httpserver.NewServer(httpserver.Config{
		Port:        cfg.Port,
		AppURL:      cfg.AppURL,
		Development: cfg.AppEnv == "development",
		ReadLimit:   int64(cfg.MaxPayloadBytes + frameOverhead),
		Limits: httpserver.LimitsConfig{
			MaxConnections:      int64(cfg.MaxWebSocketConnections),
			MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
			ConnectionsPerSec:   cfg.ConnectionRate,
			Burst:               cfg.ConnectionBurst,
		},
	}, gateway, clock, registry, m.HTTP, []httpserver.HealthCheck{
		{Name: "store", Check: st.ping},
	})

	done := runGracefulShutdown(srv, gateway, func() {
		cancelBackground()
		reconciler.Stop()
		deliveries.Stop()
		bg.Wait()
		hub.Stop()
		closeBus()
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
