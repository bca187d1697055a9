package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the device gateway bridge.
//
// Device topics use the scheme: devices/{device_id}/{kind}
// Gateway topics use the scheme: gateways/{gateway_id}/{kind}
//
// Inbound (device -> bridge): data, heartbeat, response, discovery
// Outbound (bridge -> device): commands
// Outbound (bridge -> gateway): discover
const (
	// TopicPrefixDevices is the base for all per-device topics.
	TopicPrefixDevices = "devices"

	// TopicPrefixGateways is the base for all per-gateway topics.
	TopicPrefixGateways = "gateways"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "system"
)

// Message kind segments on device topics.
const (
	KindData      = "data"
	KindHeartbeat = "heartbeat"
	KindCommands  = "commands"
	KindResponse  = "response"
	KindDiscovery = "discovery"
)

// Topics provides builders for bridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommands("RELAY-001")
//	// Returns: "devices/RELAY-001/commands"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceData returns the topic a device publishes telemetry on.
//
// Example: devices/TEMP-001/data
func (Topics) DeviceData(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindData)
}

// DeviceHeartbeat returns the topic a device publishes liveness pings on.
//
// Example: devices/TEMP-001/heartbeat
func (Topics) DeviceHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindHeartbeat)
}

// DeviceCommands returns the topic the bridge publishes commands on.
//
// Example: devices/RELAY-001/commands
func (Topics) DeviceCommands(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindCommands)
}

// DeviceResponse returns the topic a device publishes command responses on.
//
// Example: devices/RELAY-001/response
func (Topics) DeviceResponse(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindResponse)
}

// DeviceDiscovery returns the topic a device announces itself on.
//
// Example: devices/TEMP-001/discovery
func (Topics) DeviceDiscovery(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, KindDiscovery)
}

// =============================================================================
// Gateway Topics
// =============================================================================

// GatewayDiscover returns the topic the bridge uses to request a discovery
// scan from a gateway.
//
// Example: gateways/GW-001/discover
func (Topics) GatewayDiscover(gatewayID string) string {
	return fmt.Sprintf("%s/%s/discover", TopicPrefixGateways, gatewayID)
}

// =============================================================================
// System Topics
// =============================================================================

// BridgeStatus returns the bridge status topic used for the LWT and
// online/offline announcements.
//
// Example: system/bridge/status
func (Topics) BridgeStatus() string {
	return fmt.Sprintf("%s/bridge/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceData returns a pattern matching telemetry from all devices.
//
// Pattern: devices/+/data
func (Topics) AllDeviceData() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, KindData)
}

// AllDeviceHeartbeats returns a pattern matching heartbeats from all devices.
//
// Pattern: devices/+/heartbeat
func (Topics) AllDeviceHeartbeats() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, KindHeartbeat)
}

// AllDeviceResponses returns a pattern matching command responses from all devices.
//
// Pattern: devices/+/response
func (Topics) AllDeviceResponses() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, KindResponse)
}

// AllDeviceDiscovery returns a pattern matching discovery announcements
// from all devices.
//
// Pattern: devices/+/discovery
func (Topics) AllDeviceDiscovery() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, KindDiscovery)
}

// =============================================================================
// Topic Parsing
// =============================================================================

// ParseDeviceTopic extracts the device ID and message kind from a
// per-device topic.
//
// Topics must have exactly the form devices/{device_id}/{kind} with a
// non-empty device ID and a recognised kind. Anything else returns
// ok=false; callers drop the message.
//
// Parameters:
//   - topic: The topic a message arrived on
//
// Returns:
//   - deviceID: The device identifier segment
//   - kind: One of data, heartbeat, commands, response, discovery
//   - ok: Whether the topic matched the expected shape
func ParseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefixDevices {
		return "", "", false
	}
	if parts[1] == "" {
		return "", "", false
	}

	switch parts[2] {
	case KindData, KindHeartbeat, KindCommands, KindResponse, KindDiscovery:
		return parts[1], parts[2], true
	default:
		return "", "", false
	}
}
