package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiotsmart/aiot-core/internal/infrastructure/mqtt"
	"github.com/aiotsmart/aiot-core/internal/registry"
)

// mockMQTT records publishes and subscriptions.
type mockMQTT struct {
	mu         sync.Mutex
	published  []publishedMsg
	subscribed []string
	publishErr error

	// publishHook, when set, runs synchronously inside Publish after the
	// message is recorded. Used to simulate a device responding before
	// the publish call returns.
	publishHook func(topic string, payload []byte)
}

type publishedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	if m.publishErr != nil {
		m.mu.Unlock()
		return m.publishErr
	}
	m.published = append(m.published, publishedMsg{topic, payload, qos, retained})
	hook := m.publishHook
	m.mu.Unlock()

	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (m *mockMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool { return true }

func (m *mockMQTT) publishedTo(topic string) []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMsg
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// mockStore is an in-memory Store.
type mockStore struct {
	mu        sync.Mutex
	devices   map[string]*registry.Device
	gateways  map[string]*registry.Gateway
	telemetry []registry.TelemetryRecord
	commands  map[string]*registry.CommandRecord

	markSeenErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		devices:  make(map[string]*registry.Device),
		gateways: make(map[string]*registry.Gateway),
		commands: make(map[string]*registry.CommandRecord),
	}
}

func (s *mockStore) addGateway(gatewayID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gw := &registry.Gateway{GatewayID: gatewayID}
	if ownerID != "" {
		gw.OwnerID = &ownerID
	}
	s.gateways[gatewayID] = gw
}

func (s *mockStore) addDevice(deviceID, gatewayID string, dtype registry.DeviceType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = &registry.Device{
		DeviceID:  deviceID,
		GatewayID: gatewayID,
		Type:      dtype,
	}
}

func (s *mockStore) Device(_ context.Context, deviceID string) (*registry.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, registry.ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (s *mockStore) CreateDevice(_ context.Context, d *registry.Device) error {
	if err := registry.ValidateDevice(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.DeviceID]; ok {
		return registry.ErrDeviceExists
	}
	s.devices[d.DeviceID] = d.DeepCopy()
	return nil
}

func (s *mockStore) UpdateDevice(_ context.Context, d *registry.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.DeviceID]; !ok {
		return registry.ErrDeviceNotFound
	}
	s.devices[d.DeviceID] = d.DeepCopy()
	return nil
}

func (s *mockStore) Gateway(_ context.Context, gatewayID string) (*registry.Gateway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gateways[gatewayID]
	if !ok {
		return nil, registry.ErrGatewayNotFound
	}
	return g.DeepCopy(), nil
}

func (s *mockStore) TouchGateway(_ context.Context, gatewayID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gateways[gatewayID]
	if !ok {
		return registry.ErrGatewayNotFound
	}
	g.Online = true
	seen := seenAt
	g.LastSeen = &seen
	return nil
}

func (s *mockStore) MarkSeen(_ context.Context, deviceID string, seenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSeenErr != nil {
		return false, s.markSeenErr
	}
	d, ok := s.devices[deviceID]
	if !ok {
		return false, registry.ErrDeviceNotFound
	}
	cameOnline := !d.Online
	d.Online = true
	if d.LastSeen == nil || seenAt.After(*d.LastSeen) {
		seen := seenAt
		d.LastSeen = &seen
	}
	return cameOnline, nil
}

func (s *mockStore) MarkOffline(_ context.Context, deviceID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return false, registry.ErrDeviceNotFound
	}
	if !d.Online {
		return false, nil
	}
	if d.LastSeen != nil && d.LastSeen.After(cutoff) {
		return false, nil
	}
	d.Online = false
	return true, nil
}

func (s *mockStore) OnlineDevices() []registry.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.Device
	for _, d := range s.devices {
		if d.Online {
			out = append(out, *d.DeepCopy())
		}
	}
	return out
}

func (s *mockStore) OwnerOf(_ context.Context, deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return "", registry.ErrDeviceNotFound
	}
	g, ok := s.gateways[d.GatewayID]
	if !ok {
		return "", registry.ErrGatewayNotFound
	}
	if g.OwnerID == nil {
		return "", nil
	}
	return *g.OwnerID, nil
}

func (s *mockStore) AppendTelemetry(_ context.Context, rec *registry.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, *rec)
	return nil
}

func (s *mockStore) RecordCommand(_ context.Context, cmd *registry.CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.CorrelationID]; ok {
		return fmt.Errorf("duplicate correlation id %s", cmd.CorrelationID)
	}
	cpy := *cmd
	s.commands[cmd.CorrelationID] = &cpy
	return nil
}

func (s *mockStore) CompleteCommand(_ context.Context, correlationID string, status registry.CommandStatus, result *string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[correlationID]
	if !ok || cmd.Status != registry.CommandPending {
		return registry.ErrCommandNotFound
	}
	cmd.Status = status
	cmd.Result = result
	done := completedAt
	cmd.CompletedAt = &done
	return nil
}

func (s *mockStore) command(correlationID string) *registry.CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[correlationID]
	if !ok {
		return nil
	}
	cpy := *cmd
	return &cpy
}

func (s *mockStore) telemetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.telemetry)
}

func (s *mockStore) deviceOnline(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	return ok && d.Online
}

// mockMirror records time-series writes.
type mockMirror struct {
	mu       sync.Mutex
	readings []string
	presence []string
}

func (m *mockMirror) WriteTelemetry(deviceID, gatewayID string, payload map[string]any, timestamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, deviceID)
}

func (m *mockMirror) WritePresence(deviceID string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = append(m.presence, fmt.Sprintf("%s=%t", deviceID, online))
}
