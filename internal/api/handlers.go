package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chaz8081/easytouch-ble/internal/ble"
	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
	"github.com/chaz8081/easytouch-ble/internal/monitor"
)

const maxBodyBytes = 64 << 10

type modeRequest struct {
	Mode protocol.Mode `json:"mode"`
}

// temperatureRequest sets either the active setpoint or the auto range.
type temperatureRequest struct {
	Temperature *float64 `json:"temperature"`
	Low         *float64 `json:"low"`
	High        *float64 `json:"high"`
}

type fanRequest struct {
	FanMode protocol.FanMode `json:"fan_mode"`
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type rebootResponse struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.ctrl.Snapshots()),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.ctrl.Snapshots())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(chi.URLParam(r, "address"))
	if err != nil {
		s.respondDeviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.PollNow(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.respondDeviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		s.respondError(w, http.StatusBadRequest, "mode is required")
		return
	}
	s.runCommand(w, r, func(ctx context.Context, addr string) error {
		return s.ctrl.SetMode(ctx, addr, req.Mode)
	})
}

func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	var req temperatureRequest
	if !s.decode(w, r, &req) {
		return
	}
	switch {
	case req.Temperature != nil && req.Low == nil && req.High == nil:
		s.runCommand(w, r, func(ctx context.Context, addr string) error {
			return s.ctrl.SetTemperature(ctx, addr, *req.Temperature)
		})
	case req.Temperature == nil && req.Low != nil && req.High != nil:
		s.runCommand(w, r, func(ctx context.Context, addr string) error {
			return s.ctrl.SetAutoRange(ctx, addr, *req.Low, *req.High)
		})
	default:
		s.respondError(w, http.StatusBadRequest, "provide either temperature or both low and high")
	}
}

func (s *Server) handleSetFan(w http.ResponseWriter, r *http.Request) {
	var req fanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FanMode == "" {
		s.respondError(w, http.StatusBadRequest, "fan_mode is required")
		return
	}
	s.runCommand(w, r, func(ctx context.Context, addr string) error {
		return s.ctrl.SetFan(ctx, addr, req.FanMode)
	})
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		s.respondError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	s.runCommand(w, r, func(ctx context.Context, addr string) error {
		return s.ctrl.SetLocation(ctx, addr, *req.Latitude, *req.Longitude)
	})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.ctrl.Reboot(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.respondDeviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rebootResponse{OK: outcome.OK(), Outcome: outcome.String()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, err := protocol.ParseCommand(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runCommand(w, r, func(ctx context.Context, addr string) error {
		return s.ctrl.SendCommand(ctx, addr, cmd)
	})
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, addr string) error) {
	if err := fn(r.Context(), chi.URLParam(r, "address")); err != nil {
		s.respondDeviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps a controller error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, monitor.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrNoStatus):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch ble.FailedStage(err) {
	case "":
		// Argument errors from the command builders.
		return http.StatusBadRequest
	case ble.StageEncode:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) respondDeviceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Warn("[API] device operation failed", "status", status, "error", err)
	}
	body := map[string]string{"error": err.Error()}
	if stage := ble.FailedStage(err); stage != "" {
		body["stage"] = string(stage)
	}
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		slog.Error("[API] failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
