package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/blued-org/blued/internal/registry"
	"github.com/blued-org/blued/pkg/bthost"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Error().Err(err).Msg("response encoding failed")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondOperationError maps the daemon's error taxonomy onto HTTP statuses.
func (s *Server) respondOperationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bthost.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, bthost.ErrOverloaded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bthost.ErrTimedOut):
		status = http.StatusGatewayTimeout
	case errors.Is(err, bthost.ErrNativeRejected):
		status = http.StatusBadGateway
	case errors.Is(err, bthost.ErrAdapterNotReady),
		errors.Is(err, bthost.ErrInvalidTransition),
		errors.Is(err, bthost.ErrResourceBusy),
		errors.Is(err, bthost.ErrCancelled),
		errors.Is(err, bthost.ErrAdapterShuttingDown):
		status = http.StatusConflict
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) deviceAddr(w http.ResponseWriter, r *http.Request) (bthost.Address, bool) {
	addr, err := bthost.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device address")
		return addr, false
	}
	return addr, true
}

func (s *Server) decodeProfile(w http.ResponseWriter, r *http.Request) (bthost.Profile, bool) {
	var req struct {
		Profile bthost.Profile `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Profile == "" {
		s.respondError(w, http.StatusBadRequest, "profile is required")
		return "", false
	}
	return req.Profile, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"power":  s.adapter.State().String(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.credentialsValid(req.Username, req.Password) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.auth.GenerateToken(req.Username)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleGetAdapter(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.adapter.Info())
}

func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.adapter.SetPower(r.Context(), req.On); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.adapter.Info())
}

func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := s.adapter.StartDiscovery(r.Context()); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.adapter.Info())
}

func (s *Server) handleStopDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := s.adapter.StopDiscovery(r.Context()); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.adapter.Info())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		BondedOnly:    r.URL.Query().Get("bonded") == "true",
		ConnectedOnly: r.URL.Query().Get("connected") == "true",
	}
	devices := s.registry.List(filter)
	if devices == nil {
		devices = []*bthost.DeviceRecord{}
	}
	s.respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	rec := s.registry.Get(addr)
	if rec == nil {
		s.respondError(w, http.StatusNotFound, "unknown device")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBond(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Bond(r.Context(), addr); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.registry.Get(addr))
}

func (s *Server) handleCancelBond(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	if err := s.sessions.CancelBond(addr); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	profile, ok := s.decodeProfile(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Connect(r.Context(), addr, profile); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.registry.Get(addr))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	profile, ok := s.decodeProfile(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Disconnect(r.Context(), addr, profile); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.registry.Get(addr))
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddr(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Forget(r.Context(), addr); err != nil {
		s.respondOperationError(w, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}
