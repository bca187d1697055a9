package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aiotsmart/aiot-core/internal/auth"
	"github.com/aiotsmart/aiot-core/internal/bridge"
	"github.com/aiotsmart/aiot-core/internal/registry"
)

// defaultHistoryLimit caps telemetry and command history responses when
// the client does not pass ?limit=.
const defaultHistoryLimit = 100

// handleListDevices returns the devices the caller may see: everything
// for admins, devices behind claimed gateways for users.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	if claims.Role == auth.RoleAdmin {
		devices, err := s.registry.ListDevices(r.Context())
		if err != nil {
			writeInternalError(w, "listing devices failed")
			return
		}
		if devices == nil {
			devices = []registry.Device{}
		}
		writeJSON(w, http.StatusOK, devices)
		return
	}

	gateways, err := s.registry.ListGateways(r.Context(), claims.Subject)
	if err != nil {
		writeInternalError(w, "listing devices failed")
		return
	}

	devices := []registry.Device{}
	for _, gw := range gateways {
		ds, err := s.registry.ListDevicesByGateway(r.Context(), gw.GatewayID)
		if err != nil {
			writeInternalError(w, "listing devices failed")
			return
		}
		devices = append(devices, ds...)
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns one device if the caller may see it.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceForCaller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// updateDeviceRequest is the PATCH /devices/{id} body.
// Only the friendly name is user-editable; type and model come from
// discovery announcements.
type updateDeviceRequest struct {
	Name *string `json:"name"`
}

// handleUpdateDevice renames a device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceForCaller(w, r)
	if !ok {
		return
	}

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Name == nil {
		writeBadRequest(w, "no updatable fields in request")
		return
	}

	dev.Name = *req.Name
	if err := s.registry.UpdateDevice(r.Context(), dev); err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidName):
			writeBadRequest(w, err.Error())
		case errors.Is(err, registry.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		default:
			writeInternalError(w, "updating device failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device and its history.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceForCaller(w, r)
	if !ok {
		return
	}

	if err := s.registry.DeleteDevice(r.Context(), dev.DeviceID); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "deleting device failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// commandRequest is the POST /devices/{id}/command body.
type commandRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// handleDeviceCommand dispatches a command to a device.
//
// The response is 202 Accepted with the pending command record: the
// device acknowledges asynchronously via MQTT, and the outcome arrives
// on the WebSocket feed (or via GET /devices/{id}/commands).
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceForCaller(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	rec, err := s.bridge.Dispatcher().Dispatch(r.Context(), dev.DeviceID, req.Action, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrNotControllable):
			writeConflict(w, "device does not accept commands")
		case errors.Is(err, bridge.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "service shutting down")
		case errors.Is(err, registry.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		default:
			s.logger.Error("command dispatch failed", "device_id", dev.DeviceID, "error", err)
			writeInternalError(w, "command dispatch failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

// handleDeviceTelemetry returns recent readings, newest first.
func (s *Server) handleDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceForCaller(w, r)
	if !ok {
		return
	}

	records, err := s.registry.Telemetry(r.Context(), dev.DeviceID, historyLimit(r))
	if err != nil {
		writeInternalError(w, "telemetry query failed")
		return
	}
	if records == nil {
		records = []registry.TelemetryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleDeviceCommands returns recent command history, newest first.
func (s *Server) handleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceForCaller(w, r)
	if !ok {
		return
	}

	records, err := s.registry.CommandHistory(r.Context(), dev.DeviceID, historyLimit(r))
	if err != nil {
		writeInternalError(w, "command history query failed")
		return
	}
	if records == nil {
		records = []registry.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// deviceForCaller resolves the {id} device and enforces ownership
// scoping via the owning gateway. On failure it writes the error
// response and returns false.
func (s *Server) deviceForCaller(w http.ResponseWriter, r *http.Request) (*registry.Device, bool) {
	claims := claimsFrom(r.Context())
	deviceID := chi.URLParam(r, "id")

	dev, err := s.registry.Device(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
		} else {
			writeInternalError(w, "device lookup failed")
		}
		return nil, false
	}

	if claims.Role != auth.RoleAdmin {
		owner, err := s.registry.OwnerOf(r.Context(), deviceID)
		if err != nil || owner != claims.Subject {
			// 404 rather than 403: don't leak which device IDs exist.
			writeNotFound(w, "device not found")
			return nil, false
		}
	}

	return dev, true
}

// historyLimit parses ?limit= with a sane default and upper bound.
func historyLimit(r *http.Request) int {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}
