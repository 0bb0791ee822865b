package eventbus

import "errors"

var (
	// Bus state errors
	ErrBusNotStarted      = errors.New("event bus not started")
	ErrBusShutdownTimeout = errors.New("event bus shutdown timed out")

	// Subscription errors
	ErrNilHandler      = errors.New("event handler cannot be nil")
	ErrInvalidPriority = errors.New("event priority out of range")
)
