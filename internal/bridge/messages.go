package bridge

import (
	"encoding/json"
	"fmt"
	"time"
)

// HeartbeatPayload is the liveness ping a device publishes on
// devices/{device_id}/heartbeat.
//
// All fields are optional; an empty JSON object is a valid heartbeat.
type HeartbeatPayload struct {
	// Timestamp is the device's clock at send time (RFC 3339).
	// When absent or unparseable, the bridge uses arrival time.
	Timestamp string `json:"timestamp,omitempty"`

	// Status is free-form device-reported state (e.g. "ok", "degraded").
	Status string `json:"status,omitempty"`
}

// ResponsePayload is a command outcome a device publishes on
// devices/{device_id}/response.
type ResponsePayload struct {
	// CommandID is the correlation ID echoed from the command message.
	CommandID string `json:"command_id"`

	// Status reports the outcome: "success"/"ok" acknowledge the
	// command, anything else marks it failed.
	Status string `json:"status"`

	// Result carries optional device-reported detail.
	Result map[string]any `json:"result,omitempty"`
}

// Succeeded reports whether the response acknowledges the command.
func (r ResponsePayload) Succeeded() bool {
	switch r.Status {
	case "success", "ok", "acknowledged":
		return true
	default:
		return false
	}
}

// DiscoveryPayload is a device announcement published on
// devices/{device_id}/discovery, either spontaneously or in reply to a
// gateways/{gateway_id}/discover request.
type DiscoveryPayload struct {
	// GatewayID identifies the gateway the device sits behind.
	// Announcements naming an unregistered gateway are dropped.
	GatewayID string `json:"gateway_id"`

	// Type classifies the device (sensor, actuator, camera, relay,
	// dimmer, switch).
	Type string `json:"type"`

	Model string `json:"model,omitempty"`
	Name  string `json:"name,omitempty"`
}

// commandMessage is what the bridge publishes on
// devices/{device_id}/commands.
type commandMessage struct {
	CommandID string         `json:"command_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// discoverRequest is what the bridge publishes on
// gateways/{gateway_id}/discover.
type discoverRequest struct {
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

// decodeJSON unmarshals a payload, wrapping failures in ErrInvalidPayload
// so the router can distinguish malformed traffic from handler errors.
func decodeJSON(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// timestampFromPayload extracts an RFC 3339 "timestamp" field from a
// decoded telemetry payload. Missing, unparseable, or future stamps
// fall back to arrival time: a device clock running ahead would pin
// last_seen in the future, blinding the offline sweep and making the
// monotonic guard reject genuine later readings. The raw payload is
// persisted untouched either way.
func timestampFromPayload(payload map[string]any, arrival time.Time) time.Time {
	raw, ok := payload["timestamp"].(string)
	if !ok {
		return arrival
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil || ts.After(arrival) {
		return arrival
	}
	return ts
}

// parseHeartbeatTime resolves the effective heartbeat time. Absent,
// unparseable, or future device clocks fall back to arrival time, same
// as telemetry.
func parseHeartbeatTime(hb HeartbeatPayload, arrival time.Time) time.Time {
	if hb.Timestamp == "" {
		return arrival
	}
	ts, err := time.Parse(time.RFC3339, hb.Timestamp)
	if err != nil || ts.After(arrival) {
		return arrival
	}
	return ts
}
