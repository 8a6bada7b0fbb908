package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/tickerpulse/internal/platform/correlation"
)

const requestIDHeader = "X-Request-ID"

// correlationMiddleware tags the request context with a correlation ID,
// reusing the caller's X-Request-ID when present.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(requestIDHeader, id)
		return next(c)
	}
}
