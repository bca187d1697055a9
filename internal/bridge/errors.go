package bridge

import "errors"

// Domain errors for the bridge package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, bridge.ErrNotControllable) {
//	    // reject the command request
//	}
var (
	// ErrNotControllable is returned when dispatching a command to a
	// device type that only reports readings (sensors).
	ErrNotControllable = errors.New("bridge: device does not accept commands")

	// ErrShuttingDown is returned when dispatching during shutdown.
	ErrShuttingDown = errors.New("bridge: shutting down")

	// ErrInvalidPayload is returned when a message payload fails to decode.
	ErrInvalidPayload = errors.New("bridge: invalid payload")

	// ErrUnknownTopic is returned when a message arrives on a topic that
	// doesn't match the expected shape.
	ErrUnknownTopic = errors.New("bridge: unknown topic")
)
