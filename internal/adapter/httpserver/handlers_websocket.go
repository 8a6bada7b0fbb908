package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/tickerpulse/internal/auth"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
)

// handleWebSocket upgrades the request and hands the connection to the
// gateway. The connection slot is held until the connection closes.
func (s *Server) handleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		slog.WarnContext(ctx, "WebSocket connection rejected", "ip", ip, "reason", reason)
		return apperrors.RateLimited("connection limit reached").WithField("reason", string(reason))
	}

	hs := auth.HandshakeFromRequest(c.Request())
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.limits.Release(ip)
		// The upgrader already wrote the HTTP error response.
		slog.DebugContext(ctx, "WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}
	if s.config.ReadLimit > 0 {
		ws.SetReadLimit(s.config.ReadLimit)
	}

	conn, err := s.gateway.Serve(ws, hs, map[string]string{
		"ip":        ip,
		"userAgent": c.Request().UserAgent(),
	})
	if err != nil {
		s.limits.Release(ip)
		_ = ws.Close()
		slog.ErrorContext(ctx, "Failed to start connection", "ip", ip, "error", err)
		return nil
	}

	go func() {
		<-conn.Done()
		s.limits.Release(ip)
	}()
	return nil
}
