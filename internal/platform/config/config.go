package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minSecretLength = 16

type Config struct {
	AppEnv     string `env:"APP_ENV" default:"development"`
	Port       string `env:"PORT" default:"8080"`
	AppURL     string `env:"APP_URL" default:"http://localhost:8080"`
	InstanceID string `env:"INSTANCE_ID"`
	RedisURL   string `env:"REDIS_URL"`
	BusDriver  string `env:"BUS_DRIVER"`
	NATSURL    string `env:"NATS_URL" default:"nats://localhost:4222"`
	LogLevel   string `env:"LOG_LEVEL" default:"info"`
	LogFormat  string `env:"LOG_FORMAT" default:"text"`

	JWTSecret            string        `env:"JWT_SECRET"`
	JWTIssuer            string        `env:"JWT_ISSUER" default:"tickerpulse"`
	JWTAudience          string        `env:"JWT_AUDIENCE" default:"tickerpulse-clients"`
	SessionTTL           time.Duration `env:"SESSION_TTL" default:"1h"`
	SessionTouchInterval time.Duration `env:"SESSION_TOUCH_INTERVAL" default:"1m"`
	AuthTimeout          time.Duration `env:"AUTH_TIMEOUT" default:"10s"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	StockSymbols       string        `env:"STOCK_SYMBOLS" default:"AAPL,GOOGL,MSFT,AMZN,TSLA,META,NVDA,NFLX"`
	FeedEnabled        bool          `env:"FEED_ENABLED" default:"true"`
	FeedInterval       time.Duration `env:"FEED_INTERVAL" default:"2s"`
	BroadcastFlatTicks bool          `env:"BROADCAST_FLAT_TICKS" default:"true"`
	HistoryLength      int           `env:"HISTORY_LENGTH" default:"100"`

	PingInterval       time.Duration `env:"PING_INTERVAL" default:"25s"`
	PongTimeout        time.Duration `env:"PONG_TIMEOUT" default:"20s"`
	AckTimeout         time.Duration `env:"ACK_TIMEOUT" default:"10s"`
	MaxPayloadBytes    int           `env:"MAX_PAYLOAD_BYTES" default:"1048576"`
	CompressionEnabled bool          `env:"COMPRESSION_ENABLED" default:"false"`
	SendBuffer         int           `env:"SEND_BUFFER" default:"256"`

	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueBatchSize    int           `env:"QUEUE_BATCH_SIZE" default:"10"`
	QueueConcurrency  int           `env:"QUEUE_CONCURRENCY" default:"5"`
	QueueMaxAttempts  int           `env:"QUEUE_MAX_ATTEMPTS" default:"3"`
	QueueRetryBase    time.Duration `env:"QUEUE_RETRY_BASE" default:"1s"`
	QueueRetryCap     time.Duration `env:"QUEUE_RETRY_CAP" default:"5m"`
	QueueMessageTTL   time.Duration `env:"QUEUE_MESSAGE_TTL" default:"24h"`
	QueueStaleAfter   time.Duration `env:"QUEUE_STALE_AFTER" default:"5m"`

	NotificationLimit int           `env:"NOTIFICATION_LIMIT" default:"100"`
	NotificationTTL   time.Duration `env:"NOTIFICATION_TTL" default:"168h"` // 7 days

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" default:"15s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if cfg.BusDriver == "" {
		cfg.BusDriver = "memory"
		if cfg.RedisURL != "" {
			cfg.BusDriver = "redis"
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Symbols returns the configured topic symbols, upper-cased and de-duplicated.
func (c *Config) Symbols() []string {
	seen := make(map[string]struct{})
	var symbols []string
	for _, s := range strings.Split(c.StockSymbols, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	return symbols
}

// SingleInstance reports whether no shared store is configured.
func (c *Config) SingleInstance() bool {
	return c.RedisURL == ""
}

func validate(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}

	switch cfg.BusDriver {
	case "memory":
		if cfg.RedisURL != "" {
			return errors.New("BUS_DRIVER=memory cannot fan out across instances sharing REDIS_URL")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return errors.New("BUS_DRIVER=redis requires REDIS_URL")
		}
	case "nats":
		if cfg.NATSURL == "" {
			return errors.New("BUS_DRIVER=nats requires NATS_URL")
		}
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", cfg.BusDriver)
	}

	if len(cfg.Symbols()) == 0 {
		return errors.New("STOCK_SYMBOLS must name at least one symbol")
	}

	positive := map[string]int{
		"HISTORY_LENGTH":     cfg.HistoryLength,
		"MAX_PAYLOAD_BYTES":  cfg.MaxPayloadBytes,
		"SEND_BUFFER":        cfg.SendBuffer,
		"QUEUE_BATCH_SIZE":   cfg.QueueBatchSize,
		"QUEUE_CONCURRENCY":  cfg.QueueConcurrency,
		"QUEUE_MAX_ATTEMPTS": cfg.QueueMaxAttempts,
		"NOTIFICATION_LIMIT": cfg.NotificationLimit,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.PongTimeout <= 0 || cfg.PingInterval <= 0 {
		return errors.New("PING_INTERVAL and PONG_TIMEOUT must be positive")
	}
	if cfg.SessionTouchInterval <= 0 || cfg.SessionTouchInterval >= cfg.SessionTTL {
		return errors.New("SESSION_TOUCH_INTERVAL must be positive and shorter than SESSION_TTL")
	}
	if cfg.QueueRetryCap < cfg.QueueRetryBase {
		return errors.New("QUEUE_RETRY_CAP must not be lower than QUEUE_RETRY_BASE")
	}

	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "tickerpulse"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
