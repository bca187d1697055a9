package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/aiotsmart/aiot-core/internal/registry"
)

// handleTelemetry processes a reading from devices/{device_id}/data.
//
// Pipeline:
//  1. Resolve the device; readings from unregistered devices are dropped
//     (registration happens via discovery, never via telemetry)
//  2. Refresh presence (monotonic last_seen; offline -> online transition
//     emits exactly one device_online event)
//  3. Append the reading to the telemetry log
//  4. Mirror numeric fields to the time-series store (best effort)
//  5. Emit a telemetry event to the owning user's subscriptions
func (b *Bridge) handleTelemetry(ctx context.Context, deviceID string, payload map[string]any, arrival time.Time) {
	dev, err := b.store.Device(ctx, deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			b.logDebug("telemetry from unregistered device dropped", "device_id", deviceID)
		} else {
			b.logError("device lookup failed", err)
		}
		return
	}

	ts := timestampFromPayload(payload, arrival)

	cameOnline, err := b.store.MarkSeen(ctx, deviceID, ts)
	if err != nil {
		b.logError("presence update failed", err)
		// Keep going: losing presence bookkeeping shouldn't lose the reading.
	}

	if err := b.store.TouchGateway(ctx, dev.GatewayID, ts); err != nil {
		b.logDebug("gateway presence update failed", "gateway_id", dev.GatewayID, "error", err)
	}

	rec := &registry.TelemetryRecord{
		DeviceID:  deviceID,
		Timestamp: ts,
		Payload:   payload,
	}
	if err := b.store.AppendTelemetry(ctx, rec); err != nil {
		b.logError("telemetry persist failed", err)
		return
	}

	if b.mirror != nil {
		b.mirror.WriteTelemetry(deviceID, dev.GatewayID, payload, ts)
	}

	if cameOnline {
		if b.mirror != nil {
			b.mirror.WritePresence(deviceID, true)
		}
		b.emitOwnerEvent(ctx, deviceID, Event{
			Type:      EventDeviceOnline,
			DeviceID:  deviceID,
			GatewayID: dev.GatewayID,
			Timestamp: ts,
		})
	}

	b.emitOwnerEvent(ctx, deviceID, Event{
		Type:      EventTelemetry,
		DeviceID:  deviceID,
		GatewayID: dev.GatewayID,
		Data:      payload,
		Timestamp: ts,
	})
}
