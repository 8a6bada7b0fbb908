package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/tickerpulse/internal/adapter/metrics"
	"github.com/pscheid92/tickerpulse/internal/auth"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
	"github.com/pscheid92/tickerpulse/internal/socket"
)

// Gateway takes over an upgraded WebSocket connection.
type Gateway interface {
	Serve(t socket.Transport, hs auth.Handshake, metadata map[string]string) (*socket.Conn, error)
}

type Config struct {
	Port        string
	AppURL      string
	Development bool
	// ReadLimit bounds a single inbound WebSocket message.
	ReadLimit   int64
	Limits      LimitsConfig
}

type Server struct {
	echo     *echo.Echo
	config   Config
	clock    clockwork.Clock
	gateway  Gateway
	limits   *ConnectionLimits
	upgrader websocket.Upgrader

	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	errors       *apperrors.Handler
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg Config, gateway Gateway, clock clockwork.Clock, registry *prometheus.Registry, httpMetrics *metrics.HTTPMetrics, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var errorsTotal *prometheus.CounterVec
	if httpMetrics != nil {
		errorsTotal = httpMetrics.ErrorsTotal
	}

	srv := &Server{
		echo:    e,
		config:  cfg,
		clock:   clock,
		gateway: gateway,
		limits:  NewConnectionLimits(cfg.Limits, clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     newCheckOrigin(cfg.AppURL, cfg.Development),
		},
		registry:     registry,
		httpMetrics:  httpMetrics,
		errors:       apperrors.NewHandler(errorsTotal),
		healthChecks: healthChecks,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Limits() *ConnectionLimits {
	return s.limits
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
