// Package api exposes the casting operations over an HTTP JSON interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/buildinfo"
	"github.com/castbridge/castbridge/internal/domain"
)

const maxBodyBytes = 64 << 10

// Caster is the operation surface the handlers delegate to.
type Caster interface {
	Discover(ctx context.Context, timeout time.Duration) ([]domain.Device, error)
	Cast(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error)
	Pause(ctx context.Context, deviceID string) error
	Stop(ctx context.Context, deviceID string) error
	Seek(ctx context.Context, deviceID string, seconds int) error
	SetVolume(ctx context.Context, deviceID string, volume int) error
	PositionInfo(ctx context.Context, deviceID string) (*domain.PositionInfo, error)
	TransportInfo(ctx context.Context, deviceID string) (*domain.TransportInfo, error)
}

type response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *respError `json:"error,omitempty"`
}

type respError struct {
	Kind    string `json:"kind"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

type seekRequest struct {
	PositionSeconds int `json:"position_seconds" validate:"gte=0"`
}

type volumeRequest struct {
	Volume int `json:"volume" validate:"gte=0,lte=100"`
}

// Server is the HTTP front for the cast manager.
type Server struct {
	caster   Caster
	logger   zerolog.Logger
	validate *validator.Validate
	router   chi.Router
}

func NewServer(caster Caster, logger zerolog.Logger) *Server {
	s := &Server{
		caster:   caster,
		logger:   logger,
		validate: validator.New(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Post("/cast", s.handleCast)
		r.Route("/devices/{id}", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/stop", s.handleStop)
			r.Post("/seek", s.handleSeek)
			r.Post("/volume", s.handleVolume)
			r.Get("/position", s.handlePosition)
			r.Get("/transport", s.handleTransport)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	}})
}

// handleDevices runs discovery; timeout_ms overrides the configured sweep
// timeout for this request only.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 || ms > 60_000 {
			s.writeError(w, domain.NewValidationError("timeout_ms", raw, "must be 1-60000"))
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	devices, err := s.caster.Discover(r.Context(), timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: map[string]any{"devices": devices}})
}

func (s *Server) handleCast(w http.ResponseWriter, r *http.Request) {
	var req domain.CastRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.caster.Cast(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: result})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.simpleAction(w, r, s.caster.Pause)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.simpleAction(w, r, s.caster.Stop)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.caster.Seek(r.Context(), chi.URLParam(r, "id"), req.PositionSeconds); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.caster.SetVolume(r.Context(), chi.URLParam(r, "id"), req.Volume); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	info, err := s.caster.PositionInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: info})
}

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	info, err := s.caster.TransportInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Data: info})
}

func (s *Server) simpleAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	if err := fn(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true})
}

// decode reads, unmarshals, and validates a JSON request body. A false
// return means the error response was already written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, domain.NewValidationError("body", "", err.Error()))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, domain.NewValidationError("body", "", err.Error()))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.ErrorKind(err)

	status := http.StatusInternalServerError
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "unreachable", "upnp_fault", "transport":
		status = http.StatusBadGateway
	case "discovery":
		status = http.StatusServiceUnavailable
	}

	re := &respError{Kind: kind, Message: err.Error()}
	var fault *domain.UPnPFault
	if errors.As(err, &fault) {
		re.Code = fault.Code
		re.Message = fault.FriendlyMessage()
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("kind", kind).Msg("request failed")
	}
	s.writeJSON(w, status, response{Success: false, Error: re})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
