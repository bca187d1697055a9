package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides gateway and device management with caching and
// thread safety. It wraps a Repository and adds an in-memory cache for
// the hot path: every inbound MQTT message resolves a device.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating write operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo     Repository
	devices  map[string]*Device  // Cached devices by device_id
	gateways map[string]*Gateway // Cached gateways by gateway_id
	cacheMu  sync.RWMutex        // Protects both caches
	logger   Logger
}

// NewRegistry creates a new registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:     repo,
		devices:  make(map[string]*Device),
		gateways: make(map[string]*Gateway),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all gateways and devices from the repository.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	gateways, err := r.repo.ListGateways(ctx)
	if err != nil {
		return fmt.Errorf("loading gateways: %w", err)
	}
	devices, err := r.repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.gateways = make(map[string]*Gateway, len(gateways))
	for i := range gateways {
		g := gateways[i]
		r.gateways[g.GatewayID] = g.DeepCopy()
	}
	r.devices = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.devices[d.DeviceID] = d.DeepCopy()
	}

	r.logger.Info("registry cache refreshed", "gateways", len(gateways), "devices", len(devices))
	return nil
}

// --- Gateways ---

// Gateway retrieves a gateway by its external gateway_id.
// Returns ErrGatewayNotFound if it does not exist.
// The returned gateway is a deep copy; callers can safely modify it.
func (r *Registry) Gateway(ctx context.Context, gatewayID string) (*Gateway, error) {
	r.cacheMu.RLock()
	cached, ok := r.gateways[gatewayID]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	gw, err := r.repo.GetGateway(ctx, gatewayID)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.gateways[gatewayID] = gw.DeepCopy()
	r.cacheMu.Unlock()

	return gw, nil
}

// CreateGateway registers a new gateway. ID and timestamps are assigned
// here; callers provide the external identity and optional owner.
func (r *Registry) CreateGateway(ctx context.Context, gw *Gateway) error {
	if err := ValidateGateway(gw); err != nil {
		return err
	}

	if gw.ID == "" {
		gw.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	gw.CreatedAt = now
	gw.UpdatedAt = now

	if err := r.repo.CreateGateway(ctx, gw); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.gateways[gw.GatewayID] = gw.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("gateway registered", "gateway_id", gw.GatewayID)
	return nil
}

// ClaimGateway binds an unclaimed gateway to an owner.
// Returns ErrGatewayClaimed if another owner already holds it.
func (r *Registry) ClaimGateway(ctx context.Context, gatewayID, ownerID string) (*Gateway, error) {
	gw, err := r.Gateway(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	if gw.OwnerID != nil && *gw.OwnerID != ownerID {
		return nil, ErrGatewayClaimed
	}

	gw.OwnerID = &ownerID
	if err := r.repo.UpdateGateway(ctx, gw); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.gateways[gatewayID] = gw.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("gateway claimed", "gateway_id", gatewayID, "owner_id", ownerID)
	return gw, nil
}

// TouchGateway refreshes a gateway's presence after traffic from it.
func (r *Registry) TouchGateway(ctx context.Context, gatewayID string, seenAt time.Time) error {
	gw, err := r.Gateway(ctx, gatewayID)
	if err != nil {
		return err
	}

	// Monotonic guard: never move last_seen backwards.
	if gw.LastSeen != nil && !seenAt.After(*gw.LastSeen) {
		return nil
	}

	gw.Online = true
	gw.LastSeen = &seenAt
	if err := r.repo.UpdateGateway(ctx, gw); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.gateways[gatewayID] = gw.DeepCopy()
	r.cacheMu.Unlock()
	return nil
}

// ListGateways retrieves all gateways claimed by an owner.
func (r *Registry) ListGateways(ctx context.Context, ownerID string) ([]Gateway, error) {
	return r.repo.ListGatewaysByOwner(ctx, ownerID)
}

// AllGateways retrieves every registered gateway, claimed or not.
func (r *Registry) AllGateways(ctx context.Context) ([]Gateway, error) {
	return r.repo.ListGateways(ctx)
}

// OwnerOf resolves the owning user of a device via its gateway.
// Returns an empty string for devices behind unclaimed gateways.
func (r *Registry) OwnerOf(ctx context.Context, deviceID string) (string, error) {
	d, err := r.Device(ctx, deviceID)
	if err != nil {
		return "", err
	}
	gw, err := r.Gateway(ctx, d.GatewayID)
	if err != nil {
		return "", err
	}
	if gw.OwnerID == nil {
		return "", nil
	}
	return *gw.OwnerID, nil
}

// --- Devices ---

// Device retrieves a device by its external device_id.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Device(ctx context.Context, deviceID string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.devices[deviceID]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.devices[deviceID] = d.DeepCopy()
	r.cacheMu.Unlock()

	return d, nil
}

// CreateDevice registers a new device. ID and timestamps are assigned
// here; callers provide identity, classification, and gateway binding.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	if err := r.repo.CreateDevice(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.devices[d.DeviceID] = d.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "device_id", d.DeviceID, "gateway_id", d.GatewayID, "type", d.Type)
	return nil
}

// UpdateDevice modifies an existing device's metadata.
func (r *Registry) UpdateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.UpdateDevice(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.devices[d.DeviceID] = d.DeepCopy()
	r.cacheMu.Unlock()
	return nil
}

// DeleteDevice removes a device and its dependent records.
func (r *Registry) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := r.repo.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.devices, deviceID)
	r.cacheMu.Unlock()

	r.logger.Info("device removed", "device_id", deviceID)
	return nil
}

// ListDevices retrieves all devices.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.devices) > 0 {
		devices := make([]Device, 0, len(r.devices))
		for _, d := range r.devices {
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	return r.repo.ListDevices(ctx)
}

// ListDevicesByGateway retrieves all devices behind a gateway.
func (r *Registry) ListDevicesByGateway(ctx context.Context, gatewayID string) ([]Device, error) {
	return r.repo.ListDevicesByGateway(ctx, gatewayID)
}

// MarkSeen records activity from a device: refreshes last_seen and flips
// the device online if it was offline.
//
// The monotonic guard means retained or re-delivered MQTT messages with
// stale timestamps never move last_seen backwards. The returned flag
// reports whether the online status changed, so callers emit exactly one
// status event per transition.
func (r *Registry) MarkSeen(ctx context.Context, deviceID string, seenAt time.Time) (cameOnline bool, err error) {
	r.cacheMu.Lock()
	cached, ok := r.devices[deviceID]
	if ok && cached.LastSeen != nil && !seenAt.After(*cached.LastSeen) && cached.Online {
		r.cacheMu.Unlock()
		return false, nil
	}
	r.cacheMu.Unlock()

	d, err := r.Device(ctx, deviceID)
	if err != nil {
		return false, err
	}

	cameOnline = !d.Online
	if d.LastSeen != nil && !seenAt.After(*d.LastSeen) {
		seenAt = *d.LastSeen
	}

	if err := r.repo.SetDeviceOnline(ctx, deviceID, true, &seenAt); err != nil {
		return false, err
	}

	r.cacheMu.Lock()
	if cur, ok := r.devices[deviceID]; ok {
		cur.Online = true
		cur.LastSeen = &seenAt
	}
	r.cacheMu.Unlock()

	return cameOnline, nil
}

// MarkOffline flips a device offline if it is currently online and its
// last sighting does not postdate the cutoff. The returned flag reports
// whether a transition happened so the sweep emits the offline event
// exactly once per transition.
//
// The cutoff re-check runs under the cache lock: a reading that lands
// between the sweep's snapshot and this call refreshes last_seen first,
// so the stale snapshot cannot flip a live device offline.
func (r *Registry) MarkOffline(ctx context.Context, deviceID string, cutoff time.Time) (wentOffline bool, err error) {
	if _, err := r.Device(ctx, deviceID); err != nil {
		return false, err
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	cached, ok := r.devices[deviceID]
	if !ok || !cached.Online {
		return false, nil
	}
	if cached.LastSeen != nil && cached.LastSeen.After(cutoff) {
		return false, nil
	}

	if err := r.repo.SetDeviceOnline(ctx, deviceID, false, nil); err != nil {
		return false, err
	}
	cached.Online = false

	return true, nil
}

// OnlineDevices returns a snapshot of all devices currently marked
// online. The heartbeat sweep uses this to find candidates for offline
// transitions without touching the database.
func (r *Registry) OnlineDevices() []Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var devices []Device
	for _, d := range r.devices {
		if d.Online {
			devices = append(devices, *d.DeepCopy())
		}
	}
	return devices
}

// --- Telemetry & commands (pass-through to repository) ---

// AppendTelemetry persists a telemetry reading.
func (r *Registry) AppendTelemetry(ctx context.Context, rec *TelemetryRecord) error {
	return r.repo.AppendTelemetry(ctx, rec)
}

// Telemetry retrieves the most recent readings for a device.
func (r *Registry) Telemetry(ctx context.Context, deviceID string, limit int) ([]TelemetryRecord, error) {
	return r.repo.ListTelemetry(ctx, deviceID, limit)
}

// RecordCommand persists a newly dispatched command.
func (r *Registry) RecordCommand(ctx context.Context, cmd *CommandRecord) error {
	return r.repo.CreateCommand(ctx, cmd)
}

// CompleteCommand moves a pending command to a terminal status.
func (r *Registry) CompleteCommand(ctx context.Context, correlationID string, status CommandStatus, result *string, completedAt time.Time) error {
	return r.repo.CompleteCommand(ctx, correlationID, status, result, completedAt)
}

// CommandHistory retrieves the most recent commands for a device.
func (r *Registry) CommandHistory(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error) {
	return r.repo.ListCommands(ctx, deviceID, limit)
}
