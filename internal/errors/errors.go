// Package errors provides the structured error taxonomy shared by the wire protocol and the HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pscheid92/tickerpulse/internal/domain"
)

// Code is the machine-readable error category sent to clients.
type Code string

const (
	CodeAuthentication   Code = "AUTHENTICATION_ERROR"
	CodeInvalidTopic     Code = "INVALID_TOPIC"
	CodeAckTimeout       Code = "ACK_TIMEOUT"
	CodePayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeProcessingFailed Code = "MESSAGE_PROCESSING_FAILED"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and context.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidTopic:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeAckTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may reasonably try again.
func (e *Error) Retryable() bool {
	return e.Code == CodeStoreUnavailable || e.Code == CodeAckTimeout || e.Code == CodeRateLimited
}

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Context: make(map[string]any)}
}

func wrap(sentinel, cause error) error {
	if cause == nil || errors.Is(cause, sentinel) {
		if cause == nil {
			return sentinel
		}
		return cause
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Authentication reports a missing, malformed or expired credential.
func Authentication(message string, cause error) *Error {
	return newError(CodeAuthentication, message, wrap(domain.ErrUnauthenticated, cause))
}

// InvalidTopic reports a subscription to a symbol the service does not know.
func InvalidTopic(symbol string) *Error {
	return newError(CodeInvalidTopic, fmt.Sprintf("unknown symbol %q", symbol), domain.ErrInvalidTopic).
		WithField("symbol", symbol)
}

// AckTimeout reports that the peer did not acknowledge message id in time.
func AckTimeout(id string, after time.Duration) *Error {
	return newError(CodeAckTimeout, fmt.Sprintf("no ack within %s", after), domain.ErrAckTimeout).
		WithField("message_id", id)
}

// PayloadTooLarge reports an outbound payload rejected before sending.
func PayloadTooLarge(size, max int) *Error {
	return newError(CodePayloadTooLarge, fmt.Sprintf("payload of %d bytes exceeds limit of %d", size, max), domain.ErrPayloadTooLarge).
		WithField("size", size).
		WithField("max", max)
}

// StoreUnavailable reports a transient coordination store failure.
func StoreUnavailable(cause error) *Error {
	return newError(CodeStoreUnavailable, "coordination store unavailable", wrap(domain.ErrStoreUnavailable, cause))
}

// ProcessingFailed reports a queue consumer failure for message id.
func ProcessingFailed(id string, cause error) *Error {
	return newError(CodeProcessingFailed, "message processing failed", wrap(domain.ErrProcessingFailed, cause)).
		WithField("message_id", id)
}

// Validation reports malformed client input.
func Validation(message string, cause error) *Error {
	return newError(CodeValidation, message, wrap(domain.ErrInvalidArgument, cause))
}

// NotFound reports a missing resource.
func NotFound(message string, cause error) *Error {
	return newError(CodeNotFound, message, cause)
}

// RateLimited reports a rejected connection or request.
func RateLimited(message string) *Error {
	return newError(CodeRateLimited, message, nil)
}

// Internal reports an unexpected server-side failure.
func Internal(message string, cause error) *Error {
	return newError(CodeInternal, message, cause)
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithField is an alias for WithContext (chainable).
func (e *Error) WithField(key string, value any) *Error {
	return e.WithContext(key, value)
}

// Event is the payload of the wire-level "error" and "unauthorized" events.
type Event struct {
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ToEvent converts an Error to its wire payload. Internal causes are not exposed.
func (e *Error) ToEvent(now time.Time) Event {
	return Event{Code: e.Code, Message: e.Message, Timestamp: now}
}

// ErrorResponse represents the JSON structure sent to HTTP clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    Code           `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Code:    e.Code,
		Context: e.Context,
	}
}

// From converts any error into a structured Error.
// If err already is (or wraps) an *Error, that one is returned. Domain sentinels
// map to their codes; everything else becomes an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return Authentication(err.Error(), err)
	case errors.Is(err, domain.ErrInvalidTopic):
		return newError(CodeInvalidTopic, err.Error(), err)
	case errors.Is(err, domain.ErrAckTimeout):
		return newError(CodeAckTimeout, err.Error(), err)
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return newError(CodePayloadTooLarge, err.Error(), err)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return StoreUnavailable(err)
	case errors.Is(err, domain.ErrProcessingFailed), errors.Is(err, domain.ErrNoActiveSession):
		return newError(CodeProcessingFailed, err.Error(), err)
	case errors.Is(err, domain.ErrInvalidArgument):
		return Validation(err.Error(), err)
	case errors.Is(err, domain.ErrNotificationNotFound),
		errors.Is(err, domain.ErrAlertNotFound),
		errors.Is(err, domain.ErrSessionNotFound):
		return NotFound(err.Error(), err)
	default:
		return Internal("internal server error", err)
	}
}
