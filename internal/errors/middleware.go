package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler turns handler errors into JSON responses and counts them by code.
type Handler struct {
	errorsTotal *prometheus.CounterVec
}

// NewHandler creates a Handler. errorsTotal may be nil; it must carry a single "code" label.
func NewHandler(errorsTotal *prometheus.CounterVec) *Handler {
	return &Handler{errorsTotal: errorsTotal}
}

// Middleware returns an Echo middleware that handles structured errors.
// It catches errors returned by handlers and converts them to appropriate HTTP responses.
func (h *Handler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			// Echo errors keep their status code and go through Echo's default handler
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				h.record(WrapHTTPError(httpErr))
				return err
			}

			return h.Handle(c, err)
		}
	}
}

// Handle writes err as a structured JSON response.
func (h *Handler) Handle(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := From(err)
	h.record(structuredErr)
	logError(c, structuredErr)
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func (h *Handler) record(err *Error) {
	if h.errorsTotal == nil {
		return
	}
	h.errorsTotal.WithLabelValues(string(err.Code)).Inc()
}

func logError(c echo.Context, err *Error) {
	attrs := []any{
		"error_code", err.Code,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	ctx := c.Request().Context()
	switch err.Code {
	case CodeValidation, CodeNotFound, CodeInvalidTopic, CodeAuthentication:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case CodeRateLimited:
		slog.WarnContext(ctx, "Request rate limited", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Request failed", attrs...)
	}
}

// WrapHTTPError converts Echo's HTTPError to a structured error.
func WrapHTTPError(httpErr *echo.HTTPError) *Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var code Code
	switch httpErr.Code {
	case http.StatusBadRequest:
		code = CodeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		code = CodeAuthentication
	case http.StatusNotFound:
		code = CodeNotFound
	case http.StatusRequestEntityTooLarge:
		code = CodePayloadTooLarge
	case http.StatusTooManyRequests:
		code = CodeRateLimited
	case http.StatusServiceUnavailable:
		code = CodeStoreUnavailable
	default:
		code = CodeInternal
	}

	return &Error{
		Code:    code,
		Message: message,
		Cause:   httpErr.Internal,
		Context: make(map[string]any),
	}
}
