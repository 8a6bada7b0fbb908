package domain

import "errors"

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrInvalidTopic         = errors.New("invalid topic")
	ErrAckTimeout           = errors.New("ack timeout")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrProcessingFailed     = errors.New("message processing failed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNoActiveSession      = errors.New("no active session")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrAlertNotFound        = errors.New("alert not found")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// IsStoreUnavailable reports whether err stems from a transient store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
