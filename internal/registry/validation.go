package registry

import (
	"fmt"
	"regexp"
)

// Validation constants.
const (
	maxNameLength = 100
	maxIDLength   = 64

	// idPattern matches MQTT-facing identifiers. They appear verbatim in
	// topic segments, so wildcards (+ #) and separators (/) are excluded.
	idPattern = `^[A-Za-z0-9][A-Za-z0-9._-]*$`
)

var idRegex = regexp.MustCompile(idPattern)

// Pre-computed validation set for O(1) lookups.
var validDeviceTypes map[DeviceType]struct{}

func init() {
	validDeviceTypes = make(map[DeviceType]struct{}, len(AllDeviceTypes()))
	for _, t := range AllDeviceTypes() {
		validDeviceTypes[t] = struct{}{}
	}
}

// ValidateDeviceID checks that a device identifier is safe to embed in
// MQTT topics and database keys.
func ValidateDeviceID(id string) error {
	if id == "" || len(id) > maxIDLength || !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}

// ValidateGatewayID checks that a gateway identifier is safe to embed in
// MQTT topics and database keys.
func ValidateGatewayID(id string) error {
	if id == "" || len(id) > maxIDLength || !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidGatewayID, id)
	}
	return nil
}

// ValidateDeviceType checks that a device type is one of the known values.
func ValidateDeviceType(t DeviceType) error {
	if _, ok := validDeviceTypes[t]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceType, t)
	}
	return nil
}

// ValidateName checks display name length. Empty names are allowed;
// discovery frequently announces devices before they are named.
func ValidateName(name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateDevice performs validation on a device prior to persistence.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDeviceID
	}
	if err := ValidateDeviceID(d.DeviceID); err != nil {
		return err
	}
	if err := ValidateGatewayID(d.GatewayID); err != nil {
		return err
	}
	if err := ValidateDeviceType(d.Type); err != nil {
		return err
	}
	return ValidateName(d.Name)
}

// ValidateGateway performs validation on a gateway prior to persistence.
func ValidateGateway(g *Gateway) error {
	if g == nil {
		return ErrInvalidGatewayID
	}
	if err := ValidateGatewayID(g.GatewayID); err != nil {
		return err
	}
	return ValidateName(g.Name)
}
