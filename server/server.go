// Package server exposes the kernel's host API over HTTP: module
// registration and lifecycle, event publishing, and log replay. It is an
// administrative surface, not a data plane.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/kernel"
	"github.com/GoCodeAlone/kernel/eventbus"
)

// AdminServer serves the host API for one registry.
type AdminServer struct {
	registry *kernel.Registry
	logger   kernel.Logger
	server   *http.Server
}

// New creates an admin server listening on addr.
func New(registry *kernel.Registry, logger kernel.Logger, addr string) *AdminServer {
	s := &AdminServer{registry: registry, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/modules", func(r chi.Router) {
		r.Get("/", s.handleListModules)
		r.Post("/", s.handleRegister)
		r.Post("/start", s.handleStartAll)
		r.Get("/{name}", s.handleGetModule)
		r.Post("/{name}/stop", s.handleStop)
		r.Post("/{name}/reload", s.handleReload)
		r.Delete("/{name}", s.handleUnload)
	})
	r.Route("/events", func(r chi.Router) {
		r.Post("/", s.handlePublish)
		r.Get("/replay", s.handleReplay)
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *AdminServer) Start() {
	go func() {
		s.logger.Info("Admin server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server stopped", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the router, for tests and embedding.
func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleListModules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Modules())
}

func (s *AdminServer) handleGetModule(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.Module(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *AdminServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.decodeManifest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.Register(manifest); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"module":  manifest.Name,
		"version": manifest.Version,
	})
}

func (s *AdminServer) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.StartAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"order": s.registry.LoadOrder()})
}

func (s *AdminServer) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Stop(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"module": name, "state": "Stopped"})
}

func (s *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	manifest, err := s.decodeManifest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.HotReload(r.Context(), name, manifest); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"module": name, "version": manifest.Version})
}

func (s *AdminServer) handleUnload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Unload(name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Correlate     bool           `json:"correlate,omitempty"`
}

func (s *AdminServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	var opts []eventbus.PublishOption
	if req.CorrelationID != "" || req.Correlate {
		opts = append(opts, eventbus.WithCorrelationID(req.CorrelationID))
	}
	id, err := s.registry.Bus().Publish(r.Context(), req.Type, "admin", req.Payload, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *AdminServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	from, err := parseUintParam(r, "from", 1)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	to, err := parseUintParam(r, "to", 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events := make([]eventbus.Event, 0)
	err = s.registry.Bus().Replay(r.Context(), from, to, func(_ context.Context, event eventbus.Event) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func parseUintParam(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %q parameter: %w", name, err)
	}
	return v, nil
}

func (s *AdminServer) decodeManifest(r *http.Request) (*kernel.ModuleManifest, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}
	format := kernel.FormatJSON
	switch r.Header.Get("Content-Type") {
	case "application/yaml", "text/yaml":
		format = kernel.FormatYAML
	case "application/toml":
		format = kernel.FormatTOML
	}
	return kernel.ParseManifest(raw, format)
}

func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return raw, nil
}

// writeError maps the kernel error taxonomy onto HTTP statuses.
func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kernel.ErrManifestInvalid):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, kernel.ErrModuleNotFound),
		errors.Is(err, eventbus.ErrLogRangeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, kernel.ErrInitTimeout):
		status = http.StatusRequestTimeout
	case errors.Is(err, kernel.ErrCapabilityConflict),
		errors.Is(err, kernel.ErrCyclicDependency),
		errors.Is(err, kernel.ErrMissingDependency),
		errors.Is(err, kernel.ErrVersionConflict),
		errors.Is(err, kernel.ErrModuleAlreadyLoaded),
		errors.Is(err, kernel.ErrDependentsStillLoaded),
		errors.Is(err, kernel.ErrNotHotReloadable),
		errors.Is(err, kernel.ErrInvalidStateTransition),
		errors.Is(err, kernel.ErrDependencyFailed):
		status = http.StatusConflict
	case errors.Is(err, eventbus.ErrBusClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, eventbus.ErrEventTypeEmpty),
		errors.Is(err, eventbus.ErrInvalidLogRange):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
