package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/fentz26/toolgate/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Version is reported by /health. Set at build time.
var Version = "dev"

const maxBodyBytes = 1 << 20

// Server provides the HTTP API for toolgate.
type Server struct {
	service *Service
	addr    string
	metrics http.Handler
	logger  zerolog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server. A nil metrics handler disables
// /metrics.
func NewServer(service *Service, addr string, metrics http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		service: service,
		addr:    addr,
		metrics: metrics,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Get("/models", s.handleModels)
	r.Post("/models/fallback", s.handleFallback)

	r.Get("/servers", s.handleServers)
	r.Get("/servers/{name}", s.handleServer)
	r.Post("/servers/{name}/{action}", s.handleServerAction)
	r.Get("/tools", s.handleTools)

	r.Get("/grants", s.handleGrants)
	r.Post("/grants", s.handleGrant)
	r.Delete("/grants/{tool}", s.handleRevoke)

	r.Post("/invoke", s.handleInvoke)
	r.Get("/audit", s.handleAudit)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Invocations may run up to the configured call timeout.
		WriteTimeout: 5 * time.Minute,
	}

	s.logger.Info().Str("addr", s.addr).Msg("starting toolgate API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Models ---

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ModelsOverview())
}

// FallbackRequest asks for the model after a failed one.
type FallbackRequest struct {
	Failed  string   `json:"failed"`
	Exclude []string `json:"exclude,omitempty"`
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	var req FallbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.service.NextFallback(req.Failed, req.Exclude)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Servers ---

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ServerStatuses())
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.ServerStatus(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleServerAction(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.ServerAction(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "action"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Tools())
}

// --- Grants ---

// GrantRequest creates a grant.
type GrantRequest struct {
	Tool  string `json:"tool"`
	Scope string `json:"scope"`
}

// RevokeResponse reports whether a grant was removed.
type RevokeResponse struct {
	Revoked bool `json:"revoked"`
}

func (s *Server) handleGrants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Grants())
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.service.Grant(r.Context(), req.Tool, req.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tool, err := url.PathUnescape(chi.URLParam(r, "tool"))
	if err != nil {
		s.writeError(w, errors.Join(ErrBadRequest, err))
		return
	}
	removed, err := s.service.Revoke(r.Context(), tool)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{Revoked: removed})
}

// --- Invocation ---

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req models.InvokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.service.Invoke(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{Tool: q.Get("tool"), Outcome: q.Get("outcome")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, errors.Join(ErrBadRequest, errors.New("limit must be a non-negative integer")))
			return
		}
		f.Limit = n
	}
	recs, err := s.service.Audit(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.InvocationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, errors.Join(ErrBadRequest, errors.New("invalid json")))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
