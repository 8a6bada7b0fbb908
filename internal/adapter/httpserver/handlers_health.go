package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/tickerpulse/internal/platform/version"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is a named dependency probe run by /health/ready.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type livenessResponse struct {
	Status      string  `json:"status"`
	Uptime      float64 `json:"uptime"`
	Connections int64   `json:"connections"`
}

type readinessResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks,omitempty"`
	FailedCheck string            `json:"failed_check,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *Server) registerHealthRoutes(limiter echo.MiddlewareFunc) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness, limiter)
	s.echo.GET("/version", s.handleVersion, limiter)
}

func (s *Server) handleHealth(c echo.Context) error {
	return writeJSON(c, http.StatusOK, healthResponse{Status: "ok", Timestamp: s.clock.Now().UTC()})
}

func (s *Server) handleLiveness(c echo.Context) error {
	return writeJSON(c, http.StatusOK, livenessResponse{
		Status:      "ok",
		Uptime:      s.clock.Since(s.startTime).Seconds(),
		Connections: s.limits.Current(),
	})
}

// handleReadiness stops at the first failing check.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.healthChecks))
	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			return writeJSON(c, http.StatusServiceUnavailable, readinessResponse{
				Status:      "unhealthy",
				Checks:      checks,
				FailedCheck: hc.Name,
				Error:       err.Error(),
			})
		}
		checks[hc.Name] = "ok"
	}
	return writeJSON(c, http.StatusOK, readinessResponse{Status: "ready", Checks: checks})
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeJSON(c, http.StatusOK, version.Get())
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to write %s response: %w", c.Path(), err)
	}
	return nil
}
