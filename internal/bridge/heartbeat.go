package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/aiotsmart/aiot-core/internal/registry"
)

// handleHeartbeat processes a ping from devices/{device_id}/heartbeat.
//
// Heartbeats carry no telemetry; they only refresh presence. A heartbeat
// from an unregistered device is dropped, same as telemetry.
func (b *Bridge) handleHeartbeat(ctx context.Context, deviceID string, hb HeartbeatPayload, arrival time.Time) {
	dev, err := b.store.Device(ctx, deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			b.logDebug("heartbeat from unregistered device dropped", "device_id", deviceID)
		} else {
			b.logError("device lookup failed", err)
		}
		return
	}

	ts := parseHeartbeatTime(hb, arrival)

	cameOnline, err := b.store.MarkSeen(ctx, deviceID, ts)
	if err != nil {
		b.logError("presence update failed", err)
		return
	}

	if err := b.store.TouchGateway(ctx, dev.GatewayID, ts); err != nil {
		b.logDebug("gateway presence update failed", "gateway_id", dev.GatewayID, "error", err)
	}

	if cameOnline {
		b.logInfo("device online", "device_id", deviceID)
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
}

// sweepLoop periodically marks silent devices offline.
//
// A device is offline when its last sighting is older than the
// configured heartbeat timeout. The sweep interval is much shorter than
// the timeout, so detection latency is bounded by timeout + interval.
func (b *Bridge) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweepOffline(b.ctx, time.Now().UTC())
		}
	}
}

// sweepOffline flips devices offline whose last sighting predates the
// heartbeat timeout cutoff.
//
// MarkOffline re-checks the cutoff against the live last_seen and
// reports whether a transition actually happened, so a device already
// flipped by a previous sweep (or refreshed by racing ingest between
// the snapshot and this call) produces no transition and no event.
func (b *Bridge) sweepOffline(ctx context.Context, now time.Time) {
	cutoff := now.Add(-b.cfg.HeartbeatTimeoutDuration())

	for _, dev := range b.store.OnlineDevices() {
		if dev.LastSeen != nil && dev.LastSeen.After(cutoff) {
			continue
		}

		wentOffline, err := b.store.MarkOffline(ctx, dev.DeviceID, cutoff)
		if err != nil {
			b.logError("offline transition failed", err)
			continue
		}
		if !wentOffline {
			continue
		}

		b.logInfo("device offline",
			"device_id", dev.DeviceID,
			"last_seen", dev.LastSeen)

		if b.mirror != nil {
			b.mirror.WritePresence(dev.DeviceID, false)
		}
		b.emitOwnerEvent(ctx, dev.DeviceID, Event{
			Type:      EventDeviceOffline,
			DeviceID:  dev.DeviceID,
			GatewayID: dev.GatewayID,
			Timestamp: now,
		})
	}
}
