package registry

import "time"

// Gateway represents an edge box bridging local devices onto MQTT.
// This matches the database schema in migrations/20260815_120000_initial_schema.up.sql.
type Gateway struct {
	// Identity
	ID        string `json:"id"`         // Internal UUID (primary key)
	GatewayID string `json:"gateway_id"` // MQTT-facing identifier, globally unique

	// Ownership. A gateway is unclaimed until an owner binds it.
	OwnerID *string `json:"owner_id,omitempty"`

	Name string `json:"name"`

	// Presence
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Gateway.
// Pointer fields are cloned so modifications to the copy do not
// affect the original. This is essential for cache isolation.
func (g *Gateway) DeepCopy() *Gateway {
	if g == nil {
		return nil
	}

	cpy := *g
	if g.OwnerID != nil {
		owner := *g.OwnerID
		cpy.OwnerID = &owner
	}
	if g.LastSeen != nil {
		seen := *g.LastSeen
		cpy.LastSeen = &seen
	}
	return &cpy
}

// Device represents a physical device behind a gateway.
//
// DeviceID is the MQTT-facing identifier and is globally unique: topics
// carry no gateway component, so two gateways cannot announce the same
// device ID.
type Device struct {
	// Identity
	ID        string `json:"id"`         // Internal UUID (primary key)
	DeviceID  string `json:"device_id"`  // MQTT-facing identifier, globally unique
	GatewayID string `json:"gateway_id"` // External ID of the owning gateway

	// Classification
	Type  DeviceType `json:"type"`
	Model string     `json:"model"`
	Name  string     `json:"name"`

	// Presence
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	if d.LastSeen != nil {
		seen := *d.LastSeen
		cpy.LastSeen = &seen
	}
	return &cpy
}

// Controllable reports whether the device accepts commands.
// Pure sensors only report readings; everything else can be driven.
func (d *Device) Controllable() bool {
	return d.Type != TypeSensor
}

// DeviceType classifies a device by what it does.
type DeviceType string

// Device type constants.
const (
	TypeSensor   DeviceType = "sensor"
	TypeActuator DeviceType = "actuator"
	TypeCamera   DeviceType = "camera"
	TypeRelay    DeviceType = "relay"
	TypeDimmer   DeviceType = "dimmer"
	TypeSwitch   DeviceType = "switch"
)

// AllDeviceTypes returns all valid device type values.
func AllDeviceTypes() []DeviceType {
	return []DeviceType{
		TypeSensor, TypeActuator, TypeCamera,
		TypeRelay, TypeDimmer, TypeSwitch,
	}
}

// TelemetryRecord is a single append-only telemetry reading.
type TelemetryRecord struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// CommandStatus tracks the lifecycle of a dispatched command.
type CommandStatus string

// Command status constants. A command starts pending and reaches exactly
// one terminal status: acknowledged, failed, or timed_out.
const (
	CommandPending      CommandStatus = "pending"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandTimedOut     CommandStatus = "timed_out"
)

// Terminal reports whether the status is a final state.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandAcknowledged, CommandFailed, CommandTimedOut:
		return true
	default:
		return false
	}
}

// CommandRecord is the persisted history of a dispatched command.
type CommandRecord struct {
	ID            int64          `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	DeviceID      string         `json:"device_id"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	Status        CommandStatus  `json:"status"`
	Result        *string        `json:"result,omitempty"`
	DispatchedAt  time.Time      `json:"dispatched_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}
