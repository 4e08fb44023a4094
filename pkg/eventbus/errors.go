package eventbus

import "errors"

// Common errors for publishing
var (
	// ErrInvalidConfiguration indicates invalid publisher configuration
	ErrInvalidConfiguration = errors.New("invalid event bus configuration")

	// ErrClosed indicates the publisher was already closed
	ErrClosed = errors.New("publisher is closed")

	// ErrSerializationFailed indicates record serialization failure
	ErrSerializationFailed = errors.New("failed to serialize record")
)
