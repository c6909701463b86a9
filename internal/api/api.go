// Package api exposes the daemon's HTTP surface: dashboard reads for the
// console plus operator write endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"breachwatch/internal/breach"
	"breachwatch/internal/rules"
	"breachwatch/internal/views"
)

// StatsFunc reports component counters, keyed by component name.
type StatsFunc func() map[string]map[string]interface{}

// Config holds API server settings.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns the default API configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Address: ":8080",
	}
}

// Server serves the dashboard read API plus the operator write surface:
// manual breach reports, status transitions and comments.
type Server struct {
	config     Config
	dashboard  *views.Dashboard
	stats      StatsFunc
	aggregator *breach.Aggregator
	lifecycle  *breach.Lifecycle
	logger     *slog.Logger
	srv        *http.Server
}

// NewServer creates the read API over the given dashboard. stats may be nil.
func NewServer(cfg Config, dashboard *views.Dashboard, stats StatsFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		dashboard: dashboard,
		stats:     stats,
		logger:    logger,
	}
	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// WithWriteOps enables the mutating endpoints.
func (s *Server) WithWriteOps(aggregator *breach.Aggregator, lifecycle *breach.Lifecycle) *Server {
	s.aggregator = aggregator
	s.lifecycle = lifecycle
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/summary", s.handleSummary)
	mux.HandleFunc("GET /api/v1/breaches", s.handleBreaches)
	mux.HandleFunc("GET /api/v1/breaches/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/breaches", s.handleCreateBreach)
	mux.HandleFunc("POST /api/v1/breaches/{id}/status", s.handleStatusChange)
	mux.HandleFunc("POST /api/v1/breaches/{id}/comments", s.handleComment)
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api server started", "address", s.config.Address)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server exited", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dashboard.Summary(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBreaches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	breaches, err := s.dashboard.RecentBreaches(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, breaches)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid breach id"))
		return
	}

	timeline, err := s.dashboard.Timeline(r.Context(), id)
	if err != nil {
		if errors.Is(err, breach.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.stats())
}

type manualBreachRequest struct {
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	DetectionType     string         `json:"detection_type"`
	Severity          string         `json:"severity"`
	Source            string         `json:"source"`
	AffectedResources []string       `json:"affected_resources"`
	Evidence          map[string]any `json:"evidence"`
	Workspace         string         `json:"workspace"`
	ReportedBy        string         `json:"reported_by"`
}

func (s *Server) handleCreateBreach(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("write operations disabled"))
		return
	}

	var req manualBreachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	b, err := s.aggregator.CreateManual(r.Context(), breach.ManualBreach{
		Title:             req.Title,
		Description:       req.Description,
		DetectionType:     req.DetectionType,
		Severity:          rules.Severity(req.Severity),
		Source:            req.Source,
		AffectedResources: req.AffectedResources,
		Evidence:          req.Evidence,
		Workspace:         req.Workspace,
		ReportedBy:        req.ReportedBy,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

type statusChangeRequest struct {
	To         string `json:"to"`
	Resolution string `json:"resolution,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

func (s *Server) handleStatusChange(w http.ResponseWriter, r *http.Request) {
	if s.lifecycle == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("write operations disabled"))
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid breach id"))
		return
	}

	var req statusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	b, err := s.lifecycle.SetStatus(r.Context(), id, breach.StatusChange{
		To:         breach.Status(req.To),
		Resolution: breach.Resolution(req.Resolution),
		Notes:      req.Notes,
		Actor:      req.Actor,
	})
	if err != nil {
		switch {
		case errors.Is(err, breach.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err)
		case errors.Is(err, breach.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, err)
		default:
			s.writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

type commentRequest struct {
	Actor string `json:"actor,omitempty"`
	Text  string `json:"text"`
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	if s.lifecycle == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("write operations disabled"))
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid breach id"))
		return
	}

	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ev, err := s.lifecycle.Comment(r.Context(), id, req.Actor, req.Text)
	if err != nil {
		if errors.Is(err, breach.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
