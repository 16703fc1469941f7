package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"zigpan/internal/coordinator"
	"zigpan/internal/mac"
	"zigpan/internal/nwk"
	"zigpan/internal/registry"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices(r.Context())
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView(d))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee, err := coordinator.ParseIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ieee address"})
		return
	}
	dev, err := s.coord.Device(r.Context(), ieee)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, deviceView(dev))
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	ieee, err := coordinator.ParseIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ieee address"})
		return
	}
	if err := s.coord.RemoveDevice(r.Context(), ieee); err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("remove device", "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendCommandRequest struct {
	Endpoint uint8  `json:"endpoint"`
	Cluster  uint16 `json:"cluster"`
	Profile  uint16 `json:"profile,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	Ack      bool   `json:"ack,omitempty"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	ieee, err := coordinator.ParseIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ieee address"})
		return
	}

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Payload) > 1024 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload limited to 1024 bytes"})
		return
	}

	sendErr := s.coord.SendCommand(r.Context(), nwk.Command{
		IEEE:       ieee,
		Endpoint:   req.Endpoint,
		Cluster:    req.Cluster,
		Profile:    req.Profile,
		Payload:    req.Payload,
		AckRequest: req.Ack,
	})
	switch {
	case sendErr == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(sendErr, registry.ErrUnknownDevice):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(sendErr, nwk.ErrNotJoined):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "device not joined"})
	case errors.Is(sendErr, mac.ErrDeliveryFailed):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "delivery failed"})
	default:
		s.logger.Error("send command", "err", sendErr, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) handleNetworkInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.coord.NetworkInfo(r.Context())
	if err != nil {
		s.logger.Error("network info", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	devices, err := s.coord.Devices(r.Context())
	if err != nil {
		s.logger.Error("network info", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	remaining, err := s.coord.PermitRemaining(r.Context())
	if err != nil {
		s.logger.Error("network info", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, networkView(info, len(devices), remaining))
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.coord.Routes(r.Context())
	if err != nil {
		s.logger.Error("list routes", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]RouteView, 0, len(routes))
	for _, rt := range routes {
		views = append(views, routeView(rt))
	}
	s.writeJSON(w, http.StatusOK, views)
}

type permitJoinRequest struct {
	Duration uint16 `json:"duration"` // seconds, zero closes the window
}

func (s *Server) handlePermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Duration > 3600 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "duration limited to 3600 seconds"})
		return
	}

	if err := s.coord.PermitJoin(r.Context(), time.Duration(req.Duration)*time.Second); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"duration": fmt.Sprintf("%d", req.Duration),
	})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RotateKey(r.Context()); err != nil {
		if errors.Is(err, nwk.ErrRotationBusy) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "rotation already in progress"})
			return
		}
		s.logger.Error("rotate key", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
