package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aiotsmart/aiot-core/internal/auth"
	"github.com/aiotsmart/aiot-core/internal/bridge"
	"github.com/aiotsmart/aiot-core/internal/infrastructure/config"
	"github.com/aiotsmart/aiot-core/internal/infrastructure/logging"
	"github.com/aiotsmart/aiot-core/internal/infrastructure/mqtt"
	"github.com/aiotsmart/aiot-core/internal/registry"
)

const testJWTSecret = "api-test-secret-key-that-is-long-enough"

// stubMQTT satisfies bridge.MQTTClient without a broker.
type stubMQTT struct {
	mu        sync.Mutex
	published []string
}

func (m *stubMQTT) Publish(topic string, _ []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, topic)
	return nil
}

func (m *stubMQTT) Subscribe(string, byte, mqtt.MessageHandler) error { return nil }
func (m *stubMQTT) IsConnected() bool                                 { return true }

type testEnv struct {
	server   *Server
	router   http.Handler
	registry *registry.Registry
	authSvc  *auth.Service
	mqtt     *stubMQTT
}

func setupAPI(t *testing.T) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'user')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE gateways (
			id TEXT PRIMARY KEY,
			gateway_id TEXT NOT NULL UNIQUE,
			owner_id TEXT REFERENCES users(id) ON DELETE SET NULL,
			name TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE devices (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL UNIQUE,
			gateway_id TEXT NOT NULL REFERENCES gateways(gateway_id) ON DELETE CASCADE,
			type TEXT NOT NULL CHECK (type IN ('sensor', 'actuator', 'camera', 'relay', 'dimmer', 'switch')),
			model TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE telemetry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
			timestamp TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE command_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL UNIQUE,
			device_id TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
			action TEXT NOT NULL,
			params TEXT,
			status TEXT NOT NULL CHECK (status IN ('pending', 'acknowledged', 'failed', 'timed_out')),
			result TEXT,
			dispatched_at TEXT NOT NULL,
			completed_at TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("creating schema: %v", err)
		}
	}

	reg := registry.NewRegistry(registry.NewSQLiteRepository(db))
	authSvc := auth.NewService(auth.NewUserRepository(db))

	client := &stubMQTT{}
	br, err := bridge.New(bridge.Options{
		Config: config.BridgeConfig{
			HeartbeatTimeout: 90,
			SweepInterval:    10,
			CommandTimeout:   15,
		},
		MQTTClient: client,
		Store:      reg,
	})
	if err != nil {
		t.Fatalf("creating bridge: %v", err)
	}
	t.Cleanup(br.Stop)

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:     config.WebSocketConfig{PingInterval: 30, PongTimeout: 60, MaxMessageSize: 4096},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 60},
		},
		Logger:   logger,
		Registry: reg,
		Auth:     authSvc,
		Bridge:   br,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	return &testEnv{
		server:   srv,
		router:   srv.buildRouter(),
		registry: reg,
		authSvc:  authSvc,
		mqtt:     client,
	}
}

// createUser registers an account and returns a bearer token for it.
func (e *testEnv) createUser(t *testing.T, username string, role auth.Role) (userID, token string) {
	t.Helper()

	user, err := e.authSvc.CreateUser(context.Background(), username, "a long password", role)
	if err != nil {
		t.Fatalf("creating user %s: %v", username, err)
	}
	token, err = auth.GenerateAccessToken(user, testJWTSecret, 60)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return user.ID, token
}

// seedEstate provisions a gateway claimed by ownerID with one sensor
// and one relay behind it.
func (e *testEnv) seedEstate(t *testing.T, ownerID string) {
	t.Helper()
	ctx := context.Background()

	if err := e.registry.CreateGateway(ctx, &registry.Gateway{GatewayID: "GW-001", Name: "Home"}); err != nil {
		t.Fatalf("creating gateway: %v", err)
	}
	if ownerID != "" {
		if _, err := e.registry.ClaimGateway(ctx, "GW-001", ownerID); err != nil {
			t.Fatalf("claiming gateway: %v", err)
		}
	}
	for _, d := range []registry.Device{
		{DeviceID: "TEMP-001", GatewayID: "GW-001", Type: registry.TypeSensor, Name: "Kitchen temp"},
		{DeviceID: "RELAY-001", GatewayID: "GW-001", Type: registry.TypeRelay, Name: "Porch light"},
	} {
		dev := d
		if err := e.registry.CreateDevice(ctx, &dev); err != nil {
			t.Fatalf("creating device %s: %v", d.DeviceID, err)
		}
	}
}

// do performs a request against the router.
func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Health(t *testing.T) {
	env := setupAPI(t)

	rec := env.do(http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAPI_Login(t *testing.T) {
	env := setupAPI(t)
	env.createUser(t, "alice", auth.RoleUser)

	rec := env.do(http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		Username: "alice",
		Password: "a long password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Token == "" {
		t.Error("no token in login response")
	}
	if resp.User == nil || resp.User.PasswordHash != "" {
		t.Error("login response leaked password hash or omitted user")
	}

	rec = env.do(http.MethodPost, "/api/v1/auth/login", "", loginRequest{
		Username: "alice",
		Password: "wrong password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", rec.Code)
	}
}

func TestAPI_AuthRequired(t *testing.T) {
	env := setupAPI(t)

	for _, path := range []string{"/api/v1/devices/", "/api/v1/gateways/", "/api/v1/auth/me"} {
		rec := env.do(http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token status = %d, want 401", path, rec.Code)
		}
	}

	rec := env.do(http.MethodGet, "/api/v1/auth/me", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestAPI_Me(t *testing.T) {
	env := setupAPI(t)
	_, token := env.createUser(t, "alice", auth.RoleUser)

	rec := env.do(http.MethodGet, "/api/v1/auth/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var user auth.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("username = %q, want alice", user.Username)
	}
}

func TestAPI_GatewayScoping(t *testing.T) {
	env := setupAPI(t)
	aliceID, aliceToken := env.createUser(t, "alice", auth.RoleUser)
	_, bobToken := env.createUser(t, "bob", auth.RoleUser)
	_, adminToken := env.createUser(t, "root", auth.RoleAdmin)
	env.seedEstate(t, aliceID)

	// Alice sees her gateway.
	rec := env.do(http.MethodGet, "/api/v1/gateways/", aliceToken, nil)
	var gws []registry.Gateway
	if err := json.Unmarshal(rec.Body.Bytes(), &gws); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(gws) != 1 || gws[0].GatewayID != "GW-001" {
		t.Errorf("alice's gateways = %+v", gws)
	}

	// Bob sees nothing, and gets 404 for Alice's gateway.
	rec = env.do(http.MethodGet, "/api/v1/gateways/", bobToken, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &gws); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(gws) != 0 {
		t.Errorf("bob's gateways = %+v, want none", gws)
	}
	rec = env.do(http.MethodGet, "/api/v1/gateways/GW-001", bobToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("bob fetching alice's gateway status = %d, want 404", rec.Code)
	}

	// Admin sees everything.
	rec = env.do(http.MethodGet, "/api/v1/gateways/", adminToken, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &gws); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(gws) != 1 {
		t.Errorf("admin's gateways = %+v, want 1", gws)
	}
}

func TestAPI_ClaimGateway(t *testing.T) {
	env := setupAPI(t)
	_, aliceToken := env.createUser(t, "alice", auth.RoleUser)
	_, bobToken := env.createUser(t, "bob", auth.RoleUser)
	env.seedEstate(t, "")

	rec := env.do(http.MethodPost, "/api/v1/gateways/GW-001/claim", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d: %s", rec.Code, rec.Body.String())
	}

	// Idempotent for the same user.
	rec = env.do(http.MethodPost, "/api/v1/gateways/GW-001/claim", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("reclaim status = %d, want 200", rec.Code)
	}

	// Conflict for anyone else.
	rec = env.do(http.MethodPost, "/api/v1/gateways/GW-001/claim", bobToken, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("bob claiming status = %d, want 409", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/gateways/GHOST-GW/claim", aliceToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("claiming unknown gateway status = %d, want 404", rec.Code)
	}
}

func TestAPI_RegisterGateway_AdminOnly(t *testing.T) {
	env := setupAPI(t)
	_, userToken := env.createUser(t, "alice", auth.RoleUser)
	_, adminToken := env.createUser(t, "root", auth.RoleAdmin)

	body := registerGatewayRequest{GatewayID: "GW-002", Name: "Office"}

	rec := env.do(http.MethodPost, "/api/v1/gateways/", userToken, body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("user registering gateway status = %d, want 403", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/gateways/", adminToken, body)
	if rec.Code != http.StatusCreated {
		t.Errorf("admin registering gateway status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodPost, "/api/v1/gateways/", adminToken, body)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate gateway status = %d, want 409", rec.Code)
	}
}

func TestAPI_DeviceScoping(t *testing.T) {
	env := setupAPI(t)
	aliceID, aliceToken := env.createUser(t, "alice", auth.RoleUser)
	_, bobToken := env.createUser(t, "bob", auth.RoleUser)
	env.seedEstate(t, aliceID)

	rec := env.do(http.MethodGet, "/api/v1/devices/", aliceToken, nil)
	var devices []registry.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("alice's devices = %d, want 2", len(devices))
	}

	rec = env.do(http.MethodGet, "/api/v1/devices/TEMP-001", bobToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("bob fetching alice's device status = %d, want 404", rec.Code)
	}
}

func TestAPI_DeviceCommand(t *testing.T) {
	env := setupAPI(t)
	aliceID, aliceToken := env.createUser(t, "alice", auth.RoleUser)
	env.seedEstate(t, aliceID)

	rec := env.do(http.MethodPost, "/api/v1/devices/RELAY-001/command", aliceToken, commandRequest{
		Action: "set_state",
		Params: map[string]any{"on": true},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("command status = %d: %s", rec.Code, rec.Body.String())
	}

	var cmd registry.CommandRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &cmd); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !strings.HasPrefix(cmd.CorrelationID, "cmd_") {
		t.Errorf("correlation ID = %q, want cmd_ prefix", cmd.CorrelationID)
	}
	if cmd.Status != registry.CommandPending {
		t.Errorf("status = %q, want pending", cmd.Status)
	}

	env.mqtt.mu.Lock()
	published := append([]string(nil), env.mqtt.published...)
	env.mqtt.mu.Unlock()
	if len(published) != 1 || published[0] != "devices/RELAY-001/commands" {
		t.Errorf("published topics = %v", published)
	}

	// Sensors reject commands.
	rec = env.do(http.MethodPost, "/api/v1/devices/TEMP-001/command", aliceToken, commandRequest{
		Action: "set_state",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("sensor command status = %d, want 409", rec.Code)
	}

	// Command history shows the dispatch.
	rec = env.do(http.MethodGet, "/api/v1/devices/RELAY-001/commands", aliceToken, nil)
	var history []registry.CommandRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("command history = %d entries, want 1", len(history))
	}
}

func TestAPI_DeviceTelemetry(t *testing.T) {
	env := setupAPI(t)
	aliceID, aliceToken := env.createUser(t, "alice", auth.RoleUser)
	env.seedEstate(t, aliceID)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := &registry.TelemetryRecord{
			DeviceID:  "TEMP-001",
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
			Payload:   map[string]any{"temperature": 20.0 + float64(i)},
		}
		if err := env.registry.AppendTelemetry(ctx, rec); err != nil {
			t.Fatalf("appending telemetry: %v", err)
		}
	}

	rec := env.do(http.MethodGet, "/api/v1/devices/TEMP-001/telemetry?limit=2", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var records []registry.TelemetryRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("telemetry = %d records, want 2 (limit)", len(records))
	}
}

func TestAPI_UpdateAndDeleteDevice(t *testing.T) {
	env := setupAPI(t)
	aliceID, aliceToken := env.createUser(t, "alice", auth.RoleUser)
	env.seedEstate(t, aliceID)

	name := "Garden light"
	rec := env.do(http.MethodPatch, "/api/v1/devices/RELAY-001", aliceToken, updateDeviceRequest{Name: &name})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	var dev registry.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &dev); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if dev.Name != "Garden light" {
		t.Errorf("name = %q, want Garden light", dev.Name)
	}

	rec = env.do(http.MethodDelete, "/api/v1/devices/RELAY-001", aliceToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(http.MethodGet, "/api/v1/devices/RELAY-001", aliceToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("fetch after delete status = %d, want 404", rec.Code)
	}
}

func TestAPI_TriggerDiscovery(t *testing.T) {
	env := setupAPI(t)
	aliceID, aliceToken := env.createUser(t, "alice", auth.RoleUser)
	env.seedEstate(t, aliceID)

	rec := env.do(http.MethodPost, "/api/v1/gateways/GW-001/discover", aliceToken, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("discover status = %d: %s", rec.Code, rec.Body.String())
	}

	env.mqtt.mu.Lock()
	published := append([]string(nil), env.mqtt.published...)
	env.mqtt.mu.Unlock()
	if len(published) != 1 || published[0] != "gateways/GW-001/discover" {
		t.Errorf("published topics = %v", published)
	}
}

func TestAPI_UserManagement(t *testing.T) {
	env := setupAPI(t)
	adminID, adminToken := env.createUser(t, "root", auth.RoleAdmin)
	_, userToken := env.createUser(t, "alice", auth.RoleUser)

	// Users cannot manage accounts.
	rec := env.do(http.MethodGet, "/api/v1/users/", userToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("user listing accounts status = %d, want 403", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/users/", adminToken, createUserRequest{
		Username: "carol",
		Password: "a long password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user status = %d: %s", rec.Code, rec.Body.String())
	}
	var created auth.User
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.Role != auth.RoleUser {
		t.Errorf("default role = %q, want user", created.Role)
	}

	// Self-deletion refused.
	rec = env.do(http.MethodDelete, "/api/v1/users/"+adminID, adminToken, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("self-delete status = %d, want 409", rec.Code)
	}

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/v1/users/%s", created.ID), adminToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
}

func TestNew_MissingDeps(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error"}, "test")

	if _, err := New(Deps{Logger: logger}); err == nil {
		t.Error("New() without registry succeeded")
	}
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger succeeded")
	}
}
