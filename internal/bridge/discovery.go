package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aiotsmart/aiot-core/internal/infrastructure/mqtt"
	"github.com/aiotsmart/aiot-core/internal/registry"
)

// handleDiscovery processes an announcement from
// devices/{device_id}/discovery.
//
// Rules:
//   - The named gateway must already be registered; announcements via
//     unknown gateways are dropped. Gateways are provisioned through the
//     API, never auto-created from device traffic.
//   - A known device gets its metadata refreshed (name/model/type) but
//     keeps its identity and history.
//   - An unknown device is registered and a device_added event goes to
//     the gateway owner.
func (b *Bridge) handleDiscovery(ctx context.Context, deviceID string, ann DiscoveryPayload, arrival time.Time) {
	if ann.GatewayID == "" {
		b.logWarn("discovery without gateway_id dropped", "device_id", deviceID)
		return
	}

	gw, err := b.store.Gateway(ctx, ann.GatewayID)
	if err != nil {
		if errors.Is(err, registry.ErrGatewayNotFound) {
			b.logWarn("discovery via unknown gateway dropped",
				"device_id", deviceID,
				"gateway_id", ann.GatewayID)
		} else {
			b.logError("gateway lookup failed", err)
		}
		return
	}

	dev, err := b.store.Device(ctx, deviceID)
	switch {
	case err == nil:
		b.refreshDiscoveredDevice(ctx, dev, ann, arrival)
	case errors.Is(err, registry.ErrDeviceNotFound):
		b.registerDiscoveredDevice(ctx, deviceID, gw, ann, arrival)
	default:
		b.logError("device lookup failed", err)
	}
}

// refreshDiscoveredDevice updates metadata on a re-announcing device.
func (b *Bridge) refreshDiscoveredDevice(ctx context.Context, dev *registry.Device, ann DiscoveryPayload, arrival time.Time) {
	changed := false
	if ann.Name != "" && ann.Name != dev.Name {
		dev.Name = ann.Name
		changed = true
	}
	if ann.Model != "" && ann.Model != dev.Model {
		dev.Model = ann.Model
		changed = true
	}
	if ann.Type != "" && registry.DeviceType(ann.Type) != dev.Type {
		if err := registry.ValidateDeviceType(registry.DeviceType(ann.Type)); err == nil {
			dev.Type = registry.DeviceType(ann.Type)
			changed = true
		}
	}

	if changed {
		if err := b.store.UpdateDevice(ctx, dev); err != nil {
			b.logError("device refresh failed", err)
			return
		}
		b.logInfo("device metadata refreshed", "device_id", dev.DeviceID)
	}

	if _, err := b.store.MarkSeen(ctx, dev.DeviceID, arrival); err != nil {
		b.logError("presence update failed", err)
	}
}

// registerDiscoveredDevice creates a new device from an announcement.
func (b *Bridge) registerDiscoveredDevice(ctx context.Context, deviceID string, gw *registry.Gateway, ann DiscoveryPayload, arrival time.Time) {
	dev := &registry.Device{
		DeviceID:  deviceID,
		GatewayID: gw.GatewayID,
		Type:      registry.DeviceType(ann.Type),
		Model:     ann.Model,
		Name:      ann.Name,
	}

	if err := b.store.CreateDevice(ctx, dev); err != nil {
		if errors.Is(err, registry.ErrDeviceExists) {
			// Raced with another announcement; the device is registered.
			return
		}
		b.logWarn("discovery registration rejected",
			"device_id", deviceID,
			"gateway_id", gw.GatewayID,
			"error", err)
		return
	}

	if _, err := b.store.MarkSeen(ctx, deviceID, arrival); err != nil {
		b.logError("presence update failed", err)
	}

	b.logInfo("device discovered",
		"device_id", deviceID,
		"gateway_id", gw.GatewayID,
		"type", ann.Type)

	b.emitOwnerEvent(ctx, deviceID, Event{
		Type:      EventDeviceAdded,
		DeviceID:  deviceID,
		GatewayID: gw.GatewayID,
		Data: map[string]any{
			"type":  ann.Type,
			"model": ann.Model,
			"name":  ann.Name,
		},
		Timestamp: arrival,
	})
}

// TriggerDiscovery asks a gateway to re-announce its devices.
//
// The request is published on gateways/{gateway_id}/discover; devices
// respond individually on their own discovery topics.
//
// Parameters:
//   - ctx: Context for the gateway lookup
//   - gatewayID: The gateway to scan
//
// Returns:
//   - error: ErrGatewayNotFound if unregistered, or a publish failure
func (b *Bridge) TriggerDiscovery(ctx context.Context, gatewayID string) error {
	if _, err := b.store.Gateway(ctx, gatewayID); err != nil {
		return err
	}

	req := discoverRequest{
		Action:    "discover",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding discover request: %w", err)
	}

	topic := mqtt.Topics{}.GatewayDiscover(gatewayID)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		return fmt.Errorf("publishing discover request: %w", err)
	}

	b.logInfo("discovery triggered", "gateway_id", gatewayID)
	return nil
}
