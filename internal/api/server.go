// Package api exposes the monitor over a small JSON HTTP API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/easytouch-ble/internal/ble"
	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
	"github.com/chaz8081/easytouch-ble/internal/monitor"
)

// Controller is the device surface the API drives. *monitor.Monitor
// implements it.
type Controller interface {
	Snapshots() []monitor.Snapshot
	Snapshot(addr string) (monitor.Snapshot, error)
	PollNow(ctx context.Context, addr string) (monitor.Snapshot, error)
	SendCommand(ctx context.Context, addr string, cmd protocol.Command) error
	SetMode(ctx context.Context, addr string, mode protocol.Mode) error
	SetTemperature(ctx context.Context, addr string, temp float64) error
	SetAutoRange(ctx context.Context, addr string, low, high float64) error
	SetFan(ctx context.Context, addr string, fan protocol.FanMode) error
	SetLocation(ctx context.Context, addr string, lat, lon float64) error
	Reboot(ctx context.Context, addr string) (ble.RebootOutcome, error)
}

// Server is the HTTP control surface.
type Server struct {
	ctrl   Controller
	router chi.Router
	server *http.Server
}

// NewServer creates a server for ctrl. Device operations can take minutes
// on a poor link, so the write timeout is generous.
func NewServer(ctrl Controller) *Server {
	s := &Server{
		ctrl:   ctrl,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(4 * time.Minute))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/devices", s.handleListDevices)
		r.Route("/devices/{address}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/poll", s.handlePoll)
			r.Post("/mode", s.handleSetMode)
			r.Post("/temperature", s.handleSetTemperature)
			r.Post("/fan", s.handleSetFan)
			r.Post("/location", s.handleSetLocation)
			r.Post("/reboot", s.handleReboot)
			r.Post("/command", s.handleCommand)
		})
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	slog.Info("[API] listening", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
