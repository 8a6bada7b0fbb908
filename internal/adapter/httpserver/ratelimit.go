package httpserver

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/tickerpulse/internal/errors"
)

// newProbeLimiter limits probe and info requests per client IP with the same
// token buckets that guard WebSocket connects.
func newProbeLimiter(clock clockwork.Clock, perSecond float64, burst int) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: newIPRateLimiter(clock, perSecond, burst),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return apperrors.Validation("client address could not be determined", err)
		},
		DenyHandler: func(c echo.Context, ip string, _ error) error {
			slog.DebugContext(c.Request().Context(), "Probe rate limited", "ip", ip, "path", c.Path())
			return apperrors.RateLimited("too many requests").WithField("ip", ip)
		},
	})
}
