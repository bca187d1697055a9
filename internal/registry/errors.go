package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, registry.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("registry: device already exists")

	// ErrGatewayNotFound is returned when a gateway ID does not exist.
	ErrGatewayNotFound = errors.New("registry: gateway not found")

	// ErrGatewayExists is returned when creating a gateway with an ID that already exists.
	ErrGatewayExists = errors.New("registry: gateway already exists")

	// ErrGatewayClaimed is returned when claiming a gateway that already has an owner.
	ErrGatewayClaimed = errors.New("registry: gateway already claimed")

	// ErrCommandNotFound is returned when a correlation ID does not match any command.
	ErrCommandNotFound = errors.New("registry: command not found")

	// ErrInvalidDeviceID is returned when a device identifier fails validation.
	ErrInvalidDeviceID = errors.New("registry: invalid device id")

	// ErrInvalidGatewayID is returned when a gateway identifier fails validation.
	ErrInvalidGatewayID = errors.New("registry: invalid gateway id")

	// ErrInvalidDeviceType is returned when a device type is not recognised.
	ErrInvalidDeviceType = errors.New("registry: invalid device type")

	// ErrInvalidName is returned when a name is empty or too long.
	ErrInvalidName = errors.New("registry: invalid name")
)
