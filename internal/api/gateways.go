package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aiotsmart/aiot-core/internal/auth"
	"github.com/aiotsmart/aiot-core/internal/registry"
)

// handleListGateways returns the caller's gateways, or every gateway
// for admins.
func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var (
		gateways []registry.Gateway
		err      error
	)
	if claims.Role == auth.RoleAdmin {
		gateways, err = s.registry.AllGateways(r.Context())
	} else {
		gateways, err = s.registry.ListGateways(r.Context(), claims.Subject)
	}
	if err != nil {
		writeInternalError(w, "listing gateways failed")
		return
	}
	if gateways == nil {
		gateways = []registry.Gateway{}
	}
	writeJSON(w, http.StatusOK, gateways)
}

// registerGatewayRequest is the POST /gateways body.
type registerGatewayRequest struct {
	GatewayID string `json:"gateway_id"`
	Name      string `json:"name"`
}

// handleRegisterGateway provisions a new gateway. Admin only; gateways
// are never auto-created from device traffic.
func (s *Server) handleRegisterGateway(w http.ResponseWriter, r *http.Request) {
	var req registerGatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	gw := &registry.Gateway{
		GatewayID: req.GatewayID,
		Name:      req.Name,
	}
	if err := s.registry.CreateGateway(r.Context(), gw); err != nil {
		switch {
		case errors.Is(err, registry.ErrGatewayExists):
			writeConflict(w, "gateway already registered")
		case errors.Is(err, registry.ErrInvalidGatewayID), errors.Is(err, registry.ErrInvalidName):
			writeBadRequest(w, err.Error())
		default:
			writeInternalError(w, "registering gateway failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, gw)
}

// handleGetGateway returns one gateway if the caller may see it.
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayForCaller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, gw)
}

// handleClaimGateway binds an unclaimed gateway to the caller.
// Claiming a gateway the caller already owns is idempotent.
func (s *Server) handleClaimGateway(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	gatewayID := chi.URLParam(r, "id")

	gw, err := s.registry.ClaimGateway(r.Context(), gatewayID, claims.Subject)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrGatewayNotFound):
			writeNotFound(w, "gateway not found")
		case errors.Is(err, registry.ErrGatewayClaimed):
			writeConflict(w, "gateway claimed by another user")
		default:
			writeInternalError(w, "claiming gateway failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, gw)
}

// handleGatewayDevices lists the devices behind a gateway.
func (s *Server) handleGatewayDevices(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayForCaller(w, r)
	if !ok {
		return
	}

	devices, err := s.registry.ListDevicesByGateway(r.Context(), gw.GatewayID)
	if err != nil {
		writeInternalError(w, "listing devices failed")
		return
	}
	if devices == nil {
		devices = []registry.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleTriggerDiscovery asks a gateway to re-announce its devices.
func (s *Server) handleTriggerDiscovery(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayForCaller(w, r)
	if !ok {
		return
	}

	if err := s.bridge.TriggerDiscovery(r.Context(), gw.GatewayID); err != nil {
		if errors.Is(err, registry.ErrGatewayNotFound) {
			writeNotFound(w, "gateway not found")
			return
		}
		s.logger.Error("discovery trigger failed", "gateway_id", gw.GatewayID, "error", err)
		writeInternalError(w, "discovery trigger failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "discovery requested"})
}

// gatewayForCaller resolves the {id} gateway and enforces ownership
// scoping: users only see gateways they have claimed. On failure it
// writes the error response and returns false.
func (s *Server) gatewayForCaller(w http.ResponseWriter, r *http.Request) (*registry.Gateway, bool) {
	claims := claimsFrom(r.Context())
	gatewayID := chi.URLParam(r, "id")

	gw, err := s.registry.Gateway(r.Context(), gatewayID)
	if err != nil {
		if errors.Is(err, registry.ErrGatewayNotFound) {
			writeNotFound(w, "gateway not found")
		} else {
			writeInternalError(w, "gateway lookup failed")
		}
		return nil, false
	}

	if claims.Role != auth.RoleAdmin {
		if gw.OwnerID == nil || *gw.OwnerID != claims.Subject {
			// 404 rather than 403: don't leak which gateway IDs exist.
			writeNotFound(w, "gateway not found")
			return nil, false
		}
	}

	return gw, true
}
