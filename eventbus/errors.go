package eventbus

import "errors"

// Event bus errors
var (
	ErrBusClosed       = errors.New("event bus has been shut down")
	ErrEventTypeEmpty  = errors.New("event type cannot be empty")
	ErrHandlerNil      = errors.New("event handler cannot be nil")
	ErrPatternEmpty    = errors.New("subscription pattern cannot be empty")
	ErrShutdownTimeout = errors.New("event bus shutdown grace period exceeded")

	// Log errors
	ErrLogClosed        = errors.New("event log is closed")
	ErrInvalidLogRange  = errors.New("invalid log range: from exceeds to")
	ErrLogRangeNotFound = errors.New("log range outside retained events")
)
