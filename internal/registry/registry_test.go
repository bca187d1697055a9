package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockRepository implements Repository in memory for Registry tests.
type mockRepository struct {
	mu       sync.Mutex
	gateways map[string]*Gateway
	devices  map[string]*Device

	setOnlineCalls int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		gateways: make(map[string]*Gateway),
		devices:  make(map[string]*Device),
	}
}

func (m *mockRepository) CreateGateway(_ context.Context, gw *Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gateways[gw.GatewayID]; ok {
		return ErrGatewayExists
	}
	m.gateways[gw.GatewayID] = gw.DeepCopy()
	return nil
}

func (m *mockRepository) GetGateway(_ context.Context, gatewayID string) (*Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[gatewayID]
	if !ok {
		return nil, ErrGatewayNotFound
	}
	return gw.DeepCopy(), nil
}

func (m *mockRepository) ListGateways(context.Context) ([]Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Gateway
	for _, gw := range m.gateways {
		out = append(out, *gw.DeepCopy())
	}
	return out, nil
}

func (m *mockRepository) ListGatewaysByOwner(_ context.Context, ownerID string) ([]Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Gateway
	for _, gw := range m.gateways {
		if gw.OwnerID != nil && *gw.OwnerID == ownerID {
			out = append(out, *gw.DeepCopy())
		}
	}
	return out, nil
}

func (m *mockRepository) UpdateGateway(_ context.Context, gw *Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gateways[gw.GatewayID]; !ok {
		return ErrGatewayNotFound
	}
	m.gateways[gw.GatewayID] = gw.DeepCopy()
	return nil
}

func (m *mockRepository) CreateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.DeviceID]; ok {
		return ErrDeviceExists
	}
	m.devices[d.DeviceID] = d.DeepCopy()
	return nil
}

func (m *mockRepository) GetDevice(_ context.Context, deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (m *mockRepository) ListDevices(context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (m *mockRepository) ListDevicesByGateway(_ context.Context, gatewayID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.GatewayID == gatewayID {
			out = append(out, *d.DeepCopy())
		}
	}
	return out, nil
}

func (m *mockRepository) UpdateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.DeviceID]; !ok {
		return ErrDeviceNotFound
	}
	m.devices[d.DeviceID] = d.DeepCopy()
	return nil
}

func (m *mockRepository) SetDeviceOnline(_ context.Context, deviceID string, online bool, seenAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	m.setOnlineCalls++
	d.Online = online
	if seenAt != nil {
		seen := *seenAt
		d.LastSeen = &seen
	}
	return nil
}

func (m *mockRepository) DeleteDevice(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, deviceID)
	return nil
}

func (m *mockRepository) AppendTelemetry(context.Context, *TelemetryRecord) error { return nil }
func (m *mockRepository) ListTelemetry(context.Context, string, int) ([]TelemetryRecord, error) {
	return nil, nil
}
func (m *mockRepository) CreateCommand(context.Context, *CommandRecord) error { return nil }
func (m *mockRepository) CompleteCommand(context.Context, string, CommandStatus, *string, time.Time) error {
	return nil
}
func (m *mockRepository) ListCommands(context.Context, string, int) ([]CommandRecord, error) {
	return nil, nil
}

// seedRegistry builds a registry over a mock repo with one gateway and
// one device, cache refreshed.
func seedRegistry(t *testing.T, devType DeviceType) (*Registry, *mockRepository) {
	t.Helper()
	ctx := context.Background()

	repo := newMockRepository()
	reg := NewRegistry(repo)

	if err := reg.CreateGateway(ctx, &Gateway{GatewayID: "GW-001", Name: "Garden"}); err != nil {
		t.Fatalf("CreateGateway() error = %v", err)
	}
	if err := reg.CreateDevice(ctx, &Device{
		DeviceID:  "TEMP-001",
		GatewayID: "GW-001",
		Type:      devType,
	}); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	return reg, repo
}

func TestRegistry_CreateDevice_Validation(t *testing.T) {
	reg := NewRegistry(newMockRepository())
	ctx := context.Background()

	tests := []struct {
		name    string
		device  *Device
		wantErr error
	}{
		{"wildcard in device id", &Device{DeviceID: "dev/+", GatewayID: "GW-001", Type: TypeSensor}, ErrInvalidDeviceID},
		{"empty device id", &Device{DeviceID: "", GatewayID: "GW-001", Type: TypeSensor}, ErrInvalidDeviceID},
		{"unknown type", &Device{DeviceID: "D-1", GatewayID: "GW-001", Type: "toaster"}, ErrInvalidDeviceType},
		{"bad gateway id", &Device{DeviceID: "D-1", GatewayID: "a b", Type: TypeSensor}, ErrInvalidGatewayID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.CreateDevice(ctx, tt.device); !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateDevice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_CreateDevice_AssignsIdentity(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)

	d, err := reg.Device(context.Background(), "TEMP-001")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if d.ID == "" {
		t.Error("CreateDevice() did not assign a UUID")
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Error("CreateDevice() did not assign timestamps")
	}
}

func TestRegistry_MarkSeen_Transitions(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)
	ctx := context.Background()

	now := time.Now().UTC()

	// First sighting: offline -> online.
	cameOnline, err := reg.MarkSeen(ctx, "TEMP-001", now)
	if err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	if !cameOnline {
		t.Error("first MarkSeen() should report a transition")
	}

	// Second sighting while online: no transition.
	cameOnline, err = reg.MarkSeen(ctx, "TEMP-001", now.Add(time.Second))
	if err != nil {
		t.Fatalf("second MarkSeen() error = %v", err)
	}
	if cameOnline {
		t.Error("MarkSeen() while online should not report a transition")
	}

	if _, err := reg.MarkSeen(ctx, "GHOST-001", now); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("MarkSeen(unknown) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_MarkSeen_MonotonicLastSeen(t *testing.T) {
	reg, repo := seedRegistry(t, TypeSensor)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := reg.MarkSeen(ctx, "TEMP-001", now); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	writes := repo.setOnlineCalls

	// A stale timestamp (retained message replay) is a no-op.
	if _, err := reg.MarkSeen(ctx, "TEMP-001", now.Add(-time.Minute)); err != nil {
		t.Fatalf("stale MarkSeen() error = %v", err)
	}
	if repo.setOnlineCalls != writes {
		t.Error("stale MarkSeen() should not write to the repository")
	}

	d, err := reg.Device(ctx, "TEMP-001")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if d.LastSeen == nil || !d.LastSeen.Equal(now) {
		t.Errorf("last_seen = %v, want %v", d.LastSeen, now)
	}
}

func TestRegistry_MarkOffline_ExactlyOnce(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)
	ctx := context.Background()

	if _, err := reg.MarkSeen(ctx, "TEMP-001", time.Now().UTC()); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	cutoff := time.Now().UTC().Add(time.Minute)

	wentOffline, err := reg.MarkOffline(ctx, "TEMP-001", cutoff)
	if err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	if !wentOffline {
		t.Error("first MarkOffline() should report a transition")
	}

	// Second sweep hit: already offline, no transition.
	wentOffline, err = reg.MarkOffline(ctx, "TEMP-001", cutoff)
	if err != nil {
		t.Fatalf("second MarkOffline() error = %v", err)
	}
	if wentOffline {
		t.Error("repeated MarkOffline() should not report a transition")
	}
}

func TestRegistry_MarkOffline_FreshSightingWins(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)
	ctx := context.Background()
	now := time.Now().UTC()

	// A sweep snapshots the device with a stale last_seen...
	if _, err := reg.MarkSeen(ctx, "TEMP-001", now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}

	// ...then a reading lands before the sweep gets to MarkOffline.
	if _, err := reg.MarkSeen(ctx, "TEMP-001", now); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}

	cutoff := now.Add(-90 * time.Second)
	wentOffline, err := reg.MarkOffline(ctx, "TEMP-001", cutoff)
	if err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	if wentOffline {
		t.Error("MarkOffline() flipped a device with a sighting after the cutoff")
	}

	d, err := reg.Device(ctx, "TEMP-001")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if !d.Online {
		t.Error("device went offline despite traffic after the cutoff")
	}
	if d.LastSeen == nil || !d.LastSeen.Equal(now) {
		t.Errorf("last_seen = %v, want %v", d.LastSeen, now)
	}
}

func TestRegistry_OnlineDevices(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)
	ctx := context.Background()

	if err := reg.CreateDevice(ctx, &Device{
		DeviceID: "RELAY-001", GatewayID: "GW-001", Type: TypeRelay,
	}); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	if _, err := reg.MarkSeen(ctx, "RELAY-001", time.Now().UTC()); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}

	online := reg.OnlineDevices()
	if len(online) != 1 || online[0].DeviceID != "RELAY-001" {
		t.Errorf("OnlineDevices() = %+v, want [RELAY-001]", online)
	}
}

func TestRegistry_ClaimGateway(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)
	ctx := context.Background()

	gw, err := reg.ClaimGateway(ctx, "GW-001", "user-1")
	if err != nil {
		t.Fatalf("ClaimGateway() error = %v", err)
	}
	if gw.OwnerID == nil || *gw.OwnerID != "user-1" {
		t.Errorf("OwnerID = %v, want user-1", gw.OwnerID)
	}

	// Re-claiming by the same owner is idempotent.
	if _, err := reg.ClaimGateway(ctx, "GW-001", "user-1"); err != nil {
		t.Errorf("idempotent ClaimGateway() error = %v", err)
	}

	// A different owner cannot take a claimed gateway.
	if _, err := reg.ClaimGateway(ctx, "GW-001", "user-2"); !errors.Is(err, ErrGatewayClaimed) {
		t.Errorf("conflicting ClaimGateway() error = %v, want ErrGatewayClaimed", err)
	}
}

func TestRegistry_OwnerOf(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)
	ctx := context.Background()

	// Unclaimed gateway: empty owner, no error.
	owner, err := reg.OwnerOf(ctx, "TEMP-001")
	if err != nil {
		t.Fatalf("OwnerOf() error = %v", err)
	}
	if owner != "" {
		t.Errorf("OwnerOf() = %q, want empty for unclaimed gateway", owner)
	}

	if _, err := reg.ClaimGateway(ctx, "GW-001", "user-1"); err != nil {
		t.Fatalf("ClaimGateway() error = %v", err)
	}

	owner, err = reg.OwnerOf(ctx, "TEMP-001")
	if err != nil {
		t.Fatalf("OwnerOf() after claim error = %v", err)
	}
	if owner != "user-1" {
		t.Errorf("OwnerOf() = %q, want user-1", owner)
	}
}

func TestRegistry_CacheIsolation(t *testing.T) {
	reg, _ := seedRegistry(t, TypeSensor)
	ctx := context.Background()

	d1, err := reg.Device(ctx, "TEMP-001")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}

	// Mutating the returned copy must not leak into the cache.
	d1.Name = "mutated"

	d2, err := reg.Device(ctx, "TEMP-001")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if d2.Name == "mutated" {
		t.Error("cache returned a shared reference")
	}
}

func TestDevice_Controllable(t *testing.T) {
	tests := []struct {
		devType DeviceType
		want    bool
	}{
		{TypeSensor, false},
		{TypeActuator, true},
		{TypeCamera, true},
		{TypeRelay, true},
		{TypeDimmer, true},
		{TypeSwitch, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.devType), func(t *testing.T) {
			d := &Device{Type: tt.devType}
			if got := d.Controllable(); got != tt.want {
				t.Errorf("Controllable() = %v, want %v", got, tt.want)
			}
		})
	}
}
