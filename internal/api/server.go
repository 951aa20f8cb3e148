// Package api provides the HTTP API of the go-solarlog daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-solarlog/internal/config"
	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned by a Backend for features switched off in the configuration.
var ErrUnavailable = errors.New("feature not enabled")

// DefaultHistoryLimit caps a history response when no limit is given.
const DefaultHistoryLimit = 100

// Backend is what the API reads from and acts on.
type Backend interface {
	Status() map[string]interface{}
	LatestSnapshot() (*domain.Snapshot, bool)
	Devices() []domain.DeviceInfo
	SetDeviceEnabled(id int, enabled bool) domain.DeviceInfo
	RefreshDevices(ctx context.Context) ([]domain.DeviceInfo, error)
	History(ctx context.Context, since time.Time, limit int) ([]*storage.Record, error)
}

// Server represents the HTTP API server.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	backend   Backend
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server. A non-nil metrics handler is
// mounted at the configured metrics path.
func NewServer(cfg *config.Config, backend Backend, metrics http.Handler) *Server {
	apiServer := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		backend:   backend,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes(metrics)

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes(metrics http.Handler) {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/refresh", s.handleRefreshDevices).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id:[0-9]+}/enabled", s.handleSetDeviceEnabled).Methods(http.MethodPut)

	if metrics != nil && s.config.Metrics.Enabled && s.config.Metrics.Path != "" {
		s.router.Handle(s.config.Metrics.Path, metrics).Methods(http.MethodGet)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns daemon status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	for key, value := range s.backend.Status() {
		status[key] = value
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleSnapshot returns the latest snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snapshot, ok := s.backend.LatestSnapshot()
	if !ok {
		s.writeError(w, "No snapshot available yet", http.StatusNotFound)
		return
	}

	s.writeJSON(w, snapshot, http.StatusOK)
}

// handleHistory returns stored snapshots. Query parameters: since (RFC 3339)
// and limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, "Invalid since parameter, expected RFC 3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	limit := DefaultHistoryLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := s.backend.History(r.Context(), since, limit)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if records == nil {
		records = []*storage.Record{}
	}

	s.writeJSON(w, map[string]interface{}{
		"snapshots": records,
		"count":     len(records),
	}, http.StatusOK)
}

// handleListDevices returns every known device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeDevices(w, s.backend.Devices())
}

// handleRefreshDevices re-reads the device list from the Solar-Log.
func (s *Server) handleRefreshDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.backend.RefreshDevices(r.Context())
	if err != nil {
		s.writeBackendError(w, err)
		return
	}

	s.writeDevices(w, devices)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleSetDeviceEnabled switches polling of one device on or off.
func (s *Server) handleSetDeviceEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Invalid device id", http.StatusBadRequest)
		return
	}

	var body enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		s.writeError(w, `Request body must be {"enabled": true|false}`, http.StatusBadRequest)
		return
	}

	device := s.backend.SetDeviceEnabled(id, *body.Enabled)
	s.logger.Info().Int("device", id).Bool("enabled", device.Enabled).Msg("Device enabled flag changed")

	s.writeJSON(w, device, http.StatusOK)
}

func (s *Server) writeDevices(w http.ResponseWriter, devices []domain.DeviceInfo) {
	if devices == nil {
		devices = []domain.DeviceInfo{}
	}
	s.writeJSON(w, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	}, http.StatusOK)
}

// writeBackendError maps backend errors to status codes.
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnavailable):
		s.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrConnection), errors.Is(err, domain.ErrAuthentication), errors.Is(err, domain.ErrUpdate):
		s.logger.Warn().Err(err).Msg("Device request failed")
		s.writeError(w, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		s.writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
