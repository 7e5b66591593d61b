// Package api serves the daemon's HTTP control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/colebrumley/tablewatch/internal/manager"
	"github.com/colebrumley/tablewatch/internal/runner"
	"github.com/colebrumley/tablewatch/internal/state"
)

// Recipes is the part of the manager the API drives.
type Recipes interface {
	Status() []manager.Entry
	Snapshots() []runner.Snapshot
	StartAll(ctx context.Context) manager.StartReport
	Start(ctx context.Context, name string) (bool, error)
	Stop(name string) error
}

// History reads dispatch history.
type History interface {
	GetHistory(ctx context.Context, recipe string, limit int) ([]state.DispatchRecord, error)
}

// Server holds the handler dependencies.
type Server struct {
	// runCtx outlives requests; runners started over HTTP are bound to it.
	runCtx    context.Context
	recipes   Recipes
	history   History
	metrics   http.Handler
	logger    *slog.Logger
	startTime time.Time
}

// New creates a Server. history and metrics may be nil.
func New(runCtx context.Context, recipes Recipes, history History, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runCtx:    runCtx,
		recipes:   recipes,
		history:   history,
		metrics:   metrics,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Router builds the chi router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.With(rateLimit(60)).Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(30))
		r.Get("/recipes", s.handleRecipes)
		r.Post("/recipes/start", s.handleStartAll)
		r.Post("/recipes/{name}/start", s.handleStart)
		r.Post("/recipes/{name}/stop", s.handleStop)
		r.Get("/history", s.handleHistory)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := 0
	entries := s.recipes.Status()
	for _, e := range entries {
		if e.Status == "running" {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime":          time.Since(s.startTime).Truncate(time.Second).String(),
		"recipes_loaded":  len(entries),
		"recipes_running": running,
	})
}

func (s *Server) handleRecipes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recipes.Snapshots())
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	report := s.recipes.StartAll(s.runCtx)
	if report.Started == nil {
		report.Started = []string{}
	}
	if report.AlreadyActive == nil {
		report.AlreadyActive = []string{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	started, err := s.recipes.Start(s.runCtx, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "started": started})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.recipes.Stop(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "status": "stopped"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}

	records, err := s.history.GetHistory(r.Context(), r.URL.Query().Get("recipe"), limit)
	if err != nil {
		s.logger.Error("querying history", "error", err)
		http.Error(w, "querying history failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []state.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error("api request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
