// Package httpapi serves the read-only discovery API of a running host.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mcphost-go/internal/host"
	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/observability"
	"mcphost-go/internal/reqcontext"
	"mcphost-go/internal/router"
	"mcphost-go/internal/storage"
	"mcphost-go/internal/upstream/types"
)

// Controller is the part of the host the API reads from
type Controller interface {
	ListCapabilities() []string
	Providers(name string) []router.Record
	Catalog() []router.Record
	Servers() []host.ServerInfo
	GetServerHealth(serverID string) (types.HealthInfo, error)
}

// AuditReader lists audit records
type AuditReader interface {
	List(filter storage.AuditFilter) ([]*storage.AuditRecord, int, error)
}

// Response is the envelope of every /api/v1 response
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// CapabilityView is a capability with all its providers in routing order
type CapabilityView struct {
	Name      string          `json:"name"`
	Kind      router.Kind     `json:"kind"`
	Selected  string          `json:"selected"`
	Providers []router.Record `json:"providers"`
}

// Server provides the HTTP endpoints
type Server struct {
	controller    Controller
	audit         AuditReader
	logger        *zap.Logger
	router        *chi.Mux
	observability *observability.Manager
}

// Option configures a Server
type Option func(*Server)

// WithAudit exposes /api/v1/audit
func WithAudit(audit AuditReader) Option {
	return func(s *Server) {
		s.audit = audit
	}
}

// NewServer creates the API. obs may be nil, in which case /healthz is a static probe
// and /metrics is not served.
func NewServer(controller Controller, logger *zap.Logger, obs *observability.Manager, opts ...Option) *Server {
	s := &Server{
		controller:    controller,
		logger:        logger.Named("httpapi"),
		router:        chi.NewRouter(),
		observability: obs,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	if s.observability != nil {
		s.router.Use(s.observability.HTTPMiddleware())
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(loggingMiddleware(s.logger))

	if s.observability != nil {
		s.router.Get("/healthz", s.observability.Health().HealthzHandler())
		s.router.Get("/readyz", s.observability.Health().ReadyzHandler())
		s.router.Handle("/metrics", s.observability.MetricsHandler())
	} else {
		s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		})
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/capabilities", s.handleListCapabilities)
		// Resource names are URIs, so the name may span several path segments
		r.Get("/capabilities/*", s.handleGetCapability)
		r.Get("/servers", s.handleListServers)
		r.Get("/servers/{id}/health", s.handleGetServerHealth)
		if s.audit != nil {
			r.Get("/audit", s.handleListAudit)
		}
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not found", "")
	})
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Discovery API listening", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	catalog := s.controller.Catalog()
	out := make([]router.Record, 0, len(catalog))
	for _, rec := range catalog {
		if kind != "" && string(rec.Kind) != kind {
			continue
		}
		out = append(out, rec)
	}
	s.writeSuccess(w, r, out)
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || name == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid capability name", "")
		return
	}

	providers := s.controller.Providers(name)
	if len(providers) == 0 {
		herr := hosterr.NotFound(name)
		s.writeError(w, r, http.StatusNotFound, herr.Error(), herr.Kind.String())
		return
	}
	s.writeSuccess(w, r, CapabilityView{
		Name:      name,
		Kind:      providers[0].Kind,
		Selected:  providers[0].ServerID,
		Providers: providers,
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, r, s.controller.Servers())
}

func (s *Server) handleGetServerHealth(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	health, err := s.controller.GetServerHealth(serverID)
	if err != nil {
		status := http.StatusInternalServerError
		if hosterr.Is(err, hosterr.KindNotConnected) {
			status = http.StatusNotFound
		}
		s.writeError(w, r, status, err.Error(), hosterr.KindOf(err).String())
		return
	}
	s.writeSuccess(w, r, health)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Type:   q.Get("type"),
		Server: q.Get("server"),
		Caller: q.Get("caller"),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid limit", "")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid offset", "")
			return
		}
		filter.Offset = offset
	}

	records, total, err := s.audit.List(filter)
	if err != nil {
		s.logger.Error("Failed to list audit records", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "failed to list audit records", "")
		return
	}
	s.writeSuccess(w, r, map[string]interface{}{
		"records": records,
		"total":   total,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message, kind string) {
	s.writeJSON(w, status, Response{
		Error:     message,
		Kind:      kind,
		RequestID: reqcontext.GetRequestID(r.Context()),
	})
}

func (s *Server) writeSuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	s.writeJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		RequestID: reqcontext.GetRequestID(r.Context()),
	})
}
